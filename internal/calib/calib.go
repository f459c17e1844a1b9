// Package calib converts raw parameter values into engineering values.
package calib

import (
	"fmt"
	"math"
	"sync"

	"example.com/stixgate/internal/bitfield"
	"example.com/stixgate/internal/common"
	"example.com/stixgate/internal/idb"
	"example.com/stixgate/internal/scet"

	"gonum.org/v1/gonum/interp"
)

// Direction selects the telemetry or telecommand calibration rules.
type Direction uint8

const (
	TM Direction = iota
	TC
)

// SCETParameters carry onboard times and are always converted to UTC.
var SCETParameters = map[string]struct{}{
	"NIX00402": {},
	"NIX00445": {},
	"NIX00287": {},
	"PIX00455": {},
	"PIX00456": {},
	"PIX0021":  {},
	"PIX0022":  {},
	"PIX0025":  {},
	"PIX0026":  {},
	"PIX00086": {},
	"PIX00087": {},
	"PIX00009": {},
}

func IsSCETParameter(name string) bool {
	_, ok := SCETParameters[name]
	return ok
}

// Engine applies IDB calibrations. It is safe for concurrent use; fitted
// splines are shared between callers.
type Engine struct {
	lookup idb.Lookup
	clock  scet.TimeService
	log    *common.Logger

	mu      sync.RWMutex
	splines map[string]fitted
}

type fitted struct {
	pred interp.Predictor
	err  error
}

// NewEngine returns an engine. clock may be nil, in which case onboard times
// have no engineering value.
func NewEngine(lookup idb.Lookup, clock scet.TimeService, log *common.Logger) *Engine {
	return &Engine{
		lookup:  lookup,
		clock:   clock,
		log:     log,
		splines: make(map[string]fitted),
	}
}

// Calibrate returns the engineering value of raw. Failures are logged and
// yield an absent value.
func (e *Engine) Calibrate(name string, ref idb.CalibrationRef, raw bitfield.Value, dir Direction) Value {
	if raw.IsNone() {
		return Value{}
	}
	if IsSCETParameter(name) {
		return e.onboardTime(raw)
	}
	if dir == TC {
		if ref.Name == "" {
			return Value{}
		}
		n, ok := raw.AsInt()
		if !ok {
			return Value{}
		}
		if text, ok := e.lookup.TCTextualMapping(ref.Name, n); ok {
			return TextValue(text)
		}
		return Value{}
	}
	switch ref.Kind {
	case idb.CalNone:
		return Value{}
	case idb.CalTimeCode:
		return e.onboardTime(raw)
	case idb.CalTextual:
		n, ok := raw.AsInt()
		if ok {
			if text, found := e.lookup.TextualMapping(ref.Name, n); found {
				return TextValue(text)
			}
		}
		e.log.Warnf("missing textual calibration for %s (%s)", ref.Name, name)
		return Value{}
	case idb.CalCurve:
		x, ok := raw.AsFloat()
		if !ok {
			return Value{}
		}
		y, err := e.curve(ref.Name, x)
		if err != nil {
			e.log.Warnf("failed to calibrate %s (%s): %v", ref.Name, name, err)
			return Value{}
		}
		return NumberValue(y)
	case idb.CalPolynomial:
		x, ok := raw.AsFloat()
		if !ok {
			return Value{}
		}
		coeffs, found := e.lookup.CalibrationPolynomial(ref.Name)
		if !found {
			e.log.Warnf("missing calibration factors for %s (%s)", ref.Name, name)
			return Value{}
		}
		return NumberValue(Polynomial(coeffs, x))
	default:
		e.log.Warnf("no information to convert %s (%s)", ref.Name, name)
		return Value{}
	}
}

func (e *Engine) onboardTime(raw bitfield.Value) Value {
	if e.clock == nil {
		return Value{}
	}
	var coarse uint32
	var fine uint16
	switch raw.Kind {
	case bitfield.KindInt:
		if raw.Int < 0 || raw.Int > math.MaxUint32 {
			return Value{}
		}
		coarse = uint32(raw.Int)
	case bitfield.KindFloat:
		coarse, fine = bitfield.SplitTime(raw.Float)
	default:
		return Value{}
	}
	utc, ok := e.clock.OnboardToUTC(coarse, fine)
	if !ok {
		return Value{}
	}
	return TextValue(utc)
}

func (e *Engine) curve(ref string, x float64) (float64, error) {
	points, ok := e.lookup.CalibrationCurve(ref)
	if !ok || len(points) <= 1 {
		return 0, fmt.Errorf("at least two data points needed, have %d", len(points))
	}
	if len(points) == 2 {
		return Linear(points[0], points[1], x)
	}
	e.mu.RLock()
	f, cached := e.splines[ref]
	e.mu.RUnlock()
	if !cached {
		pred, err := FitSpline(points)
		f = fitted{pred: pred, err: err}
		e.mu.Lock()
		if existing, ok := e.splines[ref]; ok {
			f = existing
		} else {
			e.splines[ref] = f
		}
		e.mu.Unlock()
	}
	if f.err != nil {
		return 0, f.err
	}
	y := f.pred.Predict(x)
	if math.IsNaN(y) || math.IsInf(y, 0) {
		return 0, fmt.Errorf("spline evaluation at %v is not finite", x)
	}
	return round3(y), nil
}

// Linear inter- or extrapolates through two calibration points.
func Linear(p0, p1 idb.CurvePoint, x float64) (float64, error) {
	if p1.X == p0.X {
		return 0, fmt.Errorf("calibration points share x=%v", p0.X)
	}
	return round3((p1.Y-p0.Y)/(p1.X-p0.X)*(x-p0.X) + p0.Y), nil
}

// FitSpline fits a cubic spline through the points, which must have strictly
// increasing x. Three points use natural end conditions, more use
// not-a-knot. Outside the covered range the first or last segment's cubic is
// extended.
func FitSpline(points []idb.CurvePoint) (interp.Predictor, error) {
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		xs[i] = p.X
		ys[i] = p.Y
		if i > 0 && xs[i] <= xs[i-1] {
			return nil, fmt.Errorf("calibration x values not strictly increasing at point %d", i)
		}
	}
	var s cubicSpline
	if len(points) == 3 {
		s = &interp.NaturalCubic{}
	} else {
		s = &interp.NotAKnotCubic{}
	}
	if err := s.Fit(xs, ys); err != nil {
		return nil, err
	}
	return &extrapolated{spline: s, xs: xs, ys: ys}, nil
}

type cubicSpline interface {
	interp.FittablePredictor
	interp.DerivativePredictor
}

// extrapolated evaluates the end segments beyond the fitted range. gonum
// holds the end values there.
type extrapolated struct {
	spline cubicSpline
	xs, ys []float64
}

func (e *extrapolated) Predict(x float64) float64 {
	n := len(e.xs)
	switch {
	case x < e.xs[0]:
		return e.segment(0, x)
	case x > e.xs[n-1]:
		return e.segment(n-2, x)
	default:
		return e.spline.Predict(x)
	}
}

// segment evaluates the cubic of segment i as the Hermite polynomial of its
// end values and slopes.
func (e *extrapolated) segment(i int, x float64) float64 {
	x0, x1 := e.xs[i], e.xs[i+1]
	h := x1 - x0
	d0 := e.spline.PredictDerivative(x0)
	d1 := e.spline.PredictDerivative(x1)
	t := (x - x0) / h
	t2, t3 := t*t, t*t*t
	return (2*t3-3*t2+1)*e.ys[i] + (t3-2*t2+t)*h*d0 + (-2*t3+3*t2)*e.ys[i+1] + (t3-t2)*h*d1
}

// Polynomial evaluates sum(c[i] * x^i) over the first five coefficients.
func Polynomial(coeffs []float64, x float64) float64 {
	sum := 0.0
	for i, c := range coeffs {
		if i >= 5 {
			break
		}
		sum += c * math.Pow(x, float64(i))
	}
	return round3(sum)
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
