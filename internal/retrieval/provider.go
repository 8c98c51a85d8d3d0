package retrieval

import (
	"context"

	"github.com/fieldline/strata/internal/series"
)

// Provider is the port to a rate-limited analytics backend. One FetchSlice
// call retrieves the per-day statistics of a single slice over a day
// window.
//
// Implementations signal back-pressure by returning *RateLimitError. Any
// other error aborts the run immediately.
type Provider interface {
	FetchSlice(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// FetchRequest identifies one slice fetch.
type FetchRequest struct {
	Subject   string
	Signature series.Signature
	Slice     series.SliceKey
	Window    series.Window

	// BypassCache asks the provider to skip its own result cache and
	// recompute. Set on the retry pass after a rate limit invalidated the
	// group's batch stamp.
	BypassCache bool
}

// Point is one day's statistics as returned by the provider.
type Point struct {
	Anchor      series.Day
	Numerator   float64
	Denominator float64
	SampleSize  int64
}

// FetchResult carries the points of one slice fetch. Days the provider has
// no data for are simply absent.
type FetchResult struct {
	Points []Point
}
