// Package scet converts spacecraft elapsed time (onboard coarse and fine
// counters) into UTC.
package scet

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/interp"
	"gopkg.in/yaml.v3"
)

// TimeService converts onboard time. A false result means the instant is not
// covered by the loaded clock data.
type TimeService interface {
	OnboardToUTC(coarse uint32, fine uint16) (string, bool)
	OnboardToUnix(coarse uint32, fine uint16) (float64, bool)
}

const (
	FineTicks = 65536.0
	// UTCLayout matches the ISO calendar output with millisecond precision.
	UTCLayout = "2006-01-02T15:04:05.000"
)

var ErrNoCorrelation = errors.New("no clock correlation points")

// Seconds combines coarse and fine counts.
func Seconds(coarse uint32, fine uint16) float64 {
	return float64(coarse) + float64(fine)/FineTicks
}

// UnixToUTC formats a unix timestamp. Zero yields the empty string.
func UnixToUTC(ts float64) string {
	if ts == 0 {
		return ""
	}
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC().Format(UTCLayout)
}

var utcLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseUTC accepts the timestamp styles found in ground station exports.
// Timestamps without a zone are read as UTC.
func ParseUTC(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range utcLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// UnixSeconds converts t into fractional unix seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Point ties an onboard time to the UTC instant it was observed at.
type Point struct {
	OBT float64   `yaml:"obt" json:"obt"`
	UTC time.Time `yaml:"utc" json:"utc"`
}

// Correlation maps onboard time to UTC through a piecewise linear fit of
// correlation points. Outside the covered range the nearest segment is
// extrapolated. It is immutable after construction.
type Correlation struct {
	obt    []float64
	unix   []float64
	fit    *interp.PiecewiseLinear
	maxOBT float64
}

// NewCorrelation builds a correlation. Points are sorted by onboard time and
// duplicate onboard times are rejected.
func NewCorrelation(points []Point) (*Correlation, error) {
	if len(points) == 0 {
		return nil, ErrNoCorrelation
	}
	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OBT < sorted[j].OBT })
	c := &Correlation{
		obt:  make([]float64, len(sorted)),
		unix: make([]float64, len(sorted)),
	}
	for i, p := range sorted {
		if p.UTC.IsZero() {
			return nil, fmt.Errorf("correlation point %d: missing utc", i)
		}
		if i > 0 && p.OBT == sorted[i-1].OBT {
			return nil, fmt.Errorf("correlation point %d: duplicate obt %v", i, p.OBT)
		}
		c.obt[i] = p.OBT
		c.unix[i] = UnixSeconds(p.UTC)
	}
	if len(sorted) >= 2 {
		var pl interp.PiecewiseLinear
		if err := pl.Fit(c.obt, c.unix); err != nil {
			return nil, fmt.Errorf("fit correlation: %w", err)
		}
		c.fit = &pl
	}
	return c, nil
}

// WithMaxOBT bounds accepted onboard times; zero disables the check.
func (c *Correlation) WithMaxOBT(limit float64) *Correlation {
	out := *c
	out.maxOBT = limit
	return &out
}

func (c *Correlation) OnboardToUnix(coarse uint32, fine uint16) (float64, bool) {
	if c == nil || len(c.obt) == 0 {
		return 0, false
	}
	obt := Seconds(coarse, fine)
	if c.maxOBT > 0 && obt > c.maxOBT {
		return 0, false
	}
	n := len(c.obt)
	switch {
	case n == 1:
		return c.unix[0] + (obt - c.obt[0]), true
	case obt < c.obt[0]:
		return extrapolate(c.obt[0], c.unix[0], c.obt[1], c.unix[1], obt), true
	case obt > c.obt[n-1]:
		return extrapolate(c.obt[n-2], c.unix[n-2], c.obt[n-1], c.unix[n-1], obt), true
	default:
		return c.fit.Predict(obt), true
	}
}

func extrapolate(x0, y0, x1, y1, x float64) float64 {
	return y0 + (x-x0)*(y1-y0)/(x1-x0)
}

func (c *Correlation) OnboardToUTC(coarse uint32, fine uint16) (string, bool) {
	ts, ok := c.OnboardToUnix(coarse, fine)
	if !ok {
		return "", false
	}
	return UnixToUTC(ts), true
}

// Epoch is a fixed offset clock: onboard zero is the given instant and the
// onboard clock does not drift.
type Epoch struct {
	Zero time.Time
}

// DefaultEpoch is the nominal onboard time origin.
var DefaultEpoch = Epoch{Zero: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)}

func (e Epoch) OnboardToUnix(coarse uint32, fine uint16) (float64, bool) {
	if e.Zero.IsZero() {
		return 0, false
	}
	return UnixSeconds(e.Zero) + Seconds(coarse, fine), true
}

func (e Epoch) OnboardToUTC(coarse uint32, fine uint16) (string, bool) {
	ts, ok := e.OnboardToUnix(coarse, fine)
	if !ok {
		return "", false
	}
	return UnixToUTC(ts), true
}

// File is the YAML layout of a clock correlation export.
type File struct {
	Epoch  string      `yaml:"epoch"`
	MaxOBT float64     `yaml:"maxObt"`
	Points []FilePoint `yaml:"points"`
}

type FilePoint struct {
	OBT float64 `yaml:"obt"`
	UTC string  `yaml:"utc"`
}

// Load reads a clock correlation file. A file with only an epoch yields an
// Epoch clock.
func Load(path string) (TimeService, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return FromFile(file)
}

func FromFile(file File) (TimeService, error) {
	if len(file.Points) == 0 {
		if strings.TrimSpace(file.Epoch) == "" {
			return nil, ErrNoCorrelation
		}
		t, err := ParseUTC(file.Epoch)
		if err != nil {
			return nil, fmt.Errorf("epoch: %w", err)
		}
		return Epoch{Zero: t}, nil
	}
	points := make([]Point, 0, len(file.Points))
	for i, p := range file.Points {
		t, err := ParseUTC(p.UTC)
		if err != nil {
			return nil, fmt.Errorf("points[%d]: %w", i, err)
		}
		points = append(points, Point{OBT: p.OBT, UTC: t})
	}
	c, err := NewCorrelation(points)
	if err != nil {
		return nil, err
	}
	if file.MaxOBT > 0 {
		c = c.WithMaxOBT(file.MaxOBT)
	}
	return c, nil
}
