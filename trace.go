package terrain

import (
	"context"
	"fmt"
	"math"
)

// A TraceStatus is the reason a trace ended.
type TraceStatus int

const (
	// StatusStopped means the body came to rest.
	StatusStopped TraceStatus = iota
	// StatusStuck means the body crossed too many consecutive flat cells.
	StatusStuck
	// StatusExceeded means the path reached the maximum number of steps.
	StatusExceeded
	// StatusInsufficientSlope means friction exceeded the downhill force.
	StatusInsufficientSlope
	// StatusSlopeOutOfRange means an elevation delta exceeded the distance
	// between two cells.
	StatusSlopeOutOfRange
	// StatusNoData means the current cell or all of its neighbors were
	// missing.
	StatusNoData
)

var traceStatusNames = [...]string{
	StatusStopped:           "stopped",
	StatusStuck:             "stuck",
	StatusExceeded:          "exceed",
	StatusInsufficientSlope: "insufficient_slope",
	StatusSlopeOutOfRange:   "slope_out_of_range",
	StatusNoData:            "no_data",
}

// A PathPoint is a cell visited by a trace and its sample.
type PathPoint struct {
	Cell   CellIndex     `json:"-"`
	Coord  GeoCoordinate `json:"coords"`
	Sample Sample        `json:"elevation"`
}

// A Step records the motion between two consecutive cells of a path.
type Step struct {
	Time           float64 `json:"time"`
	VelocityAtEnd  float64 `json:"velocity_at_end"`
	DeltaElevation int     `json:"delta_elevation"`
	Angle          float64 `json:"angle"`
}

// A StopContext is the pair of cells at which a trace was abandoned.
type StopContext struct {
	Current PathPoint `json:"current"`
	Next    PathPoint `json:"next"`
}

// A TraceResult is a traced path.
type TraceResult struct {
	Path   []GeoCoordinate `json:"path"`
	Steps  []Step          `json:"info"`
	Status TraceStatus     `json:"status"`
	Stop   *StopContext    `json:"stop,omitempty"`
}

// A Tracer simulates a body sliding down a raster along the steepest
// descent.
type Tracer struct {
	friction        float64
	initialVelocity float64
	gravity         float64
	flatThreshold   int
	flatLimit       int
	maxSteps        int
	metersPerDegree float64
}

// A TracerOption sets an option on a Tracer.
type TracerOption func(*Tracer)

// NewTracer returns a new Tracer with the given options.
func NewTracer(options ...TracerOption) *Tracer {
	t := &Tracer{
		gravity:         9.8,
		flatThreshold:   2,
		flatLimit:       5,
		maxSteps:        1000,
		metersPerDegree: 111139,
	}
	for _, option := range options {
		option(t)
	}
	return t
}

// WithFriction sets the Coulomb friction coefficient.
func WithFriction(friction float64) TracerOption {
	return func(t *Tracer) {
		t.friction = friction
	}
}

// WithInitialVelocity sets the velocity of the body at the start cell, in
// meters per second.
func WithInitialVelocity(velocity float64) TracerOption {
	return func(t *Tracer) {
		t.initialVelocity = velocity
	}
}

// WithGravity sets the gravitational acceleration.
func WithGravity(gravity float64) TracerOption {
	return func(t *Tracer) {
		t.gravity = gravity
	}
}

// WithFlatThreshold sets the elevation delta in meters below which a step is
// flat and the number of consecutive flat steps after which the body is
// stuck.
func WithFlatThreshold(threshold, limit int) TracerOption {
	return func(t *Tracer) {
		t.flatThreshold = threshold
		t.flatLimit = limit
	}
}

// WithMaxSteps sets the maximum length of a path.
func WithMaxSteps(maxSteps int) TracerOption {
	return func(t *Tracer) {
		t.maxSteps = maxSteps
	}
}

// WithMetersPerDegree sets the length of a degree used to convert
// differences in coordinates to distances.
func WithMetersPerDegree(metersPerDegree float64) TracerOption {
	return func(t *Tracer) {
		t.metersPerDegree = metersPerDegree
	}
}

// Trace follows the steepest descent from start until the body stops. At each
// cell the body moves to the lowest valid neighbor, the first in row-major
// order on ties, accelerating under gravity less friction over the distance
// between the cells.
func (t *Tracer) Trace(ctx context.Context, r Raster, start GeoCoordinate) (*TraceResult, error) {
	result, err := t.trace(ctx, r, start)
	if err != nil {
		return nil, err
	}
	traceTerminations.WithLabelValues(result.Status.String()).Inc()
	return result, nil
}

func (t *Tracer) trace(ctx context.Context, r Raster, start GeoCoordinate) (*TraceResult, error) {
	geometry := r.Geometry()
	current := PathPoint{Cell: geometry.Cell(start)}
	var err error
	current.Sample, err = r.Sample(ctx, current.Cell)
	if err != nil {
		return nil, err
	}
	current.Coord = geometry.Coord(current.Cell)

	result := &TraceResult{
		Path:  []GeoCoordinate{},
		Steps: []Step{},
	}
	if !current.Sample.Valid {
		result.Path = append(result.Path, current.Coord)
		result.Status = StatusNoData
		return result, nil
	}

	velocity := t.initialVelocity
	flatSteps := 0
	for len(result.Path) < t.maxSteps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		neighbors, err := NeighborSamples(ctx, r, current.Cell)
		if err != nil {
			return nil, err
		}
		var next *PathPoint
		for neighbor := range neighbors {
			if !neighbor.Sample.Valid {
				continue
			}
			if next == nil || neighbor.Sample.Meters < next.Sample.Meters {
				next = &PathPoint{Cell: neighbor.Cell, Sample: neighbor.Sample}
			}
		}

		result.Path = append(result.Path, current.Coord)
		if next == nil {
			result.Status = StatusNoData
			return result, nil
		}
		next.Coord = geometry.Coord(next.Cell)

		deltaElevation := next.Sample.Meters - current.Sample.Meters
		if deltaElevation < 0 {
			deltaElevation = -deltaElevation
		}
		if deltaElevation < t.flatThreshold {
			flatSteps++
			if flatSteps > t.flatLimit {
				result.Status = StatusStuck
				return result, nil
			}
		} else {
			flatSteps = 0
		}

		distance := t.Distance(current.Coord, next.Coord)
		sin, cos, angle, err := Slope(distance, float64(deltaElevation))
		if err != nil {
			result.Status = StatusSlopeOutOfRange
			result.Stop = &StopContext{Current: current, Next: *next}
			return result, nil
		}

		acceleration := t.gravity * (sin - t.friction*cos)
		if acceleration < 0 {
			result.Status = StatusInsufficientSlope
			result.Stop = &StopContext{Current: current, Next: *next}
			return result, nil
		}
		// Step time is (sqrt(v*v + 2*a*s) - v) / 2 for velocity v, acceleration a
		// and distance s.
		discriminant := velocity*velocity + 4*distance*(acceleration/2)
		stepTime := (math.Sqrt(discriminant) - velocity) / 2
		if current.Sample.Meters < next.Sample.Meters {
			acceleration = -acceleration
		}
		velocity += acceleration * stepTime
		if velocity <= 0 {
			result.Status = StatusStopped
			return result, nil
		}

		result.Steps = append(result.Steps, Step{
			Time:           stepTime,
			VelocityAtEnd:  velocity,
			DeltaElevation: deltaElevation,
			Angle:          angle,
		})
		current = *next
	}
	result.Status = StatusExceeded
	return result, nil
}

// Distance returns the equirectangular distance between a and b in meters,
// without correcting longitude for latitude.
func (t *Tracer) Distance(a, b GeoCoordinate) float64 {
	return math.Hypot((a.Lat-b.Lat)*t.metersPerDegree, (a.Lng-b.Lng)*t.metersPerDegree)
}

// Slope returns the sine, cosine, and angle in degrees of a slope that rises
// deltaElevation over distance.
func Slope(distance, deltaElevation float64) (sin, cos, angle float64, err error) {
	if distance <= 0 {
		return 0, 0, 0, &DomainError{Distance: distance, DeltaElevation: deltaElevation}
	}
	sin = deltaElevation / distance
	if math.Abs(sin) > 1 {
		return 0, 0, 0, &DomainError{Distance: distance, DeltaElevation: deltaElevation}
	}
	cos = math.Sqrt(1 - sin*sin)
	angle = math.Asin(sin) * 180 / math.Pi
	return sin, cos, angle, nil
}

func (s TraceStatus) String() string {
	if s < 0 || int(s) >= len(traceStatusNames) {
		return fmt.Sprintf("TraceStatus(%d)", int(s))
	}
	return traceStatusNames[s]
}

// MarshalText encodes s as its name.
func (s TraceStatus) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(traceStatusNames) {
		return nil, fmt.Errorf("%d: invalid trace status", int(s))
	}
	return []byte(traceStatusNames[s]), nil
}

// UnmarshalText decodes s from its name.
func (s *TraceStatus) UnmarshalText(data []byte) error {
	for status, name := range traceStatusNames {
		if string(data) == name {
			*s = TraceStatus(status)
			return nil
		}
	}
	return fmt.Errorf("%q: %w", data, errParse)
}
