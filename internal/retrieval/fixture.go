package retrieval

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fieldline/strata/internal/series"
)

// FixtureProvider is a scripted Provider: canned responses and rate-limit
// injections, loaded from YAML or added programmatically. It backs
// offline runs and the scenario harness.
type FixtureProvider struct {
	mu        sync.Mutex
	responses map[string][]Point
	limits    map[string]*limitScript
	calls     []FetchRequest
}

type limitScript struct {
	remaining  int
	retryAfter time.Duration
}

// NewFixtureProvider returns an empty provider. Script it with AddResponse
// and RateLimitNext.
func NewFixtureProvider() *FixtureProvider {
	return &FixtureProvider{
		responses: make(map[string][]Point),
		limits:    make(map[string]*limitScript),
	}
}

type fixtureFile struct {
	Responses  []fixtureResponse `yaml:"responses"`
	RateLimits []fixtureLimit    `yaml:"rate_limits"`
}

type fixtureResponse struct {
	Subject string         `yaml:"subject"`
	Slice   string         `yaml:"slice"`
	Points  []fixturePoint `yaml:"points"`
}

type fixturePoint struct {
	Anchor      string  `yaml:"anchor"`
	Numerator   float64 `yaml:"numerator"`
	Denominator float64 `yaml:"denominator"`
	SampleSize  int64   `yaml:"sample_size"`
}

type fixtureLimit struct {
	Subject    string `yaml:"subject"`
	Slice      string `yaml:"slice"`
	Times      int    `yaml:"times"`
	RetryAfter string `yaml:"retry_after"`
}

// LoadFixture reads and parses a YAML fixture file.
func LoadFixture(path string) (*FixtureProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	p, err := ParseFixture(data)
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return p, nil
}

// ParseFixture parses YAML fixture bytes. Slices are given in canonical
// form ("mode=window;channel=x"); unknown fields are rejected.
func ParseFixture(data []byte) (*FixtureProvider, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var file fixtureFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}

	p := NewFixtureProvider()
	for i, raw := range file.Responses {
		if raw.Subject == "" {
			return nil, fmt.Errorf("responses[%d]: subject is required", i)
		}
		slice, err := series.ParseSliceKey(raw.Slice)
		if err != nil {
			return nil, fmt.Errorf("responses[%d]: %w", i, err)
		}
		points := make([]Point, 0, len(raw.Points))
		for j, pt := range raw.Points {
			anchor, err := series.ParseDay(pt.Anchor)
			if err != nil {
				return nil, fmt.Errorf("responses[%d].points[%d]: %w", i, j, err)
			}
			points = append(points, Point{
				Anchor:      anchor,
				Numerator:   pt.Numerator,
				Denominator: pt.Denominator,
				SampleSize:  pt.SampleSize,
			})
		}
		p.AddResponse(raw.Subject, slice, points...)
	}
	for i, raw := range file.RateLimits {
		if raw.Subject == "" {
			return nil, fmt.Errorf("rate_limits[%d]: subject is required", i)
		}
		slice, err := series.ParseSliceKey(raw.Slice)
		if err != nil {
			return nil, fmt.Errorf("rate_limits[%d]: %w", i, err)
		}
		times := raw.Times
		if times == 0 {
			times = 1
		}
		var retryAfter time.Duration
		if raw.RetryAfter != "" {
			retryAfter, err = time.ParseDuration(raw.RetryAfter)
			if err != nil {
				return nil, fmt.Errorf("rate_limits[%d]: retry_after: %w", i, err)
			}
		}
		p.RateLimitNext(raw.Subject, slice, times, retryAfter)
	}
	return p, nil
}

// AddResponse scripts the points returned for a (subject, slice) pair.
// Fetches filter them to the requested window.
func (p *FixtureProvider) AddResponse(subject string, slice series.SliceKey, points ...Point) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := fixtureKey(subject, slice)
	p.responses[key] = append(p.responses[key], points...)
}

// RateLimitNext scripts the next `times` fetches of a (subject, slice) pair
// to fail with a RateLimitError carrying the given hint. Later fetches
// succeed normally.
func (p *FixtureProvider) RateLimitNext(subject string, slice series.SliceKey, times int, retryAfter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limits[fixtureKey(subject, slice)] = &limitScript{remaining: times, retryAfter: retryAfter}
}

// FetchSlice serves the scripted response. A fetch with no scripted
// response is an error: a plan asking for unscripted data is a fixture
// authoring mistake, not an empty day range.
func (p *FixtureProvider) FetchSlice(_ context.Context, req FetchRequest) (FetchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, req)

	key := fixtureKey(req.Subject, req.Slice)
	if script := p.limits[key]; script != nil && script.remaining > 0 {
		script.remaining--
		return FetchResult{}, &RateLimitError{RetryAfter: script.retryAfter}
	}

	points, ok := p.responses[key]
	if !ok {
		return FetchResult{}, fmt.Errorf("fixture has no response for subject %q slice %q", req.Subject, req.Slice)
	}
	var out []Point
	for _, pt := range points {
		if req.Window.Contains(pt.Anchor) {
			out = append(out, pt)
		}
	}
	return FetchResult{Points: out}, nil
}

// Calls returns a copy of every fetch received, in order, including
// rate-limited ones.
func (p *FixtureProvider) Calls() []FetchRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]FetchRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

func fixtureKey(subject string, slice series.SliceKey) string {
	return subject + "|" + slice.String()
}
