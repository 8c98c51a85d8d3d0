package retrieval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/strata/internal/series"
)

func testIdentity(subject string) series.Identity {
	family, err := series.NewFamily(series.ModeWindow, "channel")
	if err != nil {
		panic(err)
	}
	return series.Identity{
		Subject: subject,
		Hash:    activationSignature().MustHash(series.DefaultHashPolicy),
		Family:  family,
	}
}

func TestStampForMintsOncePerIdentity(t *testing.T) {
	clock := runBase
	stamps := NewBatchStamps(func() time.Time {
		clock = clock.Add(time.Hour)
		return clock
	})
	id := testIdentity("app-1")

	first := stamps.StampFor(id)
	second := stamps.StampFor(id)
	assert.True(t, first.Equal(second), "recurrences reuse the minted stamp")
}

func TestStampForIsStrictlyMonotonicUnderFrozenClock(t *testing.T) {
	stamps := NewBatchStamps(frozenClock(runBase))

	a := stamps.StampFor(testIdentity("app-1"))
	b := stamps.StampFor(testIdentity("app-2"))

	assert.True(t, a.Equal(runBase))
	assert.True(t, b.After(a))
	assert.Equal(t, time.Millisecond, b.Sub(a))
}

func TestStampForFollowsAdvancingClock(t *testing.T) {
	clock := runBase
	stamps := NewBatchStamps(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	})

	a := stamps.StampFor(testIdentity("app-1"))
	b := stamps.StampFor(testIdentity("app-2"))
	assert.Equal(t, time.Minute, b.Sub(a), "no bump when the clock advances")
}

func TestInvalidateMintsFreshLaterStamp(t *testing.T) {
	stamps := NewBatchStamps(frozenClock(runBase))
	id := testIdentity("app-1")

	first := stamps.StampFor(id)
	assert.False(t, stamps.Bypass(id))

	stamps.Invalidate(id)
	assert.True(t, stamps.Bypass(id))

	second := stamps.StampFor(id)
	assert.True(t, second.After(first), "retried groups outrank the rows they replace")

	stamps.ClearBypass(id)
	assert.False(t, stamps.Bypass(id))
}

func TestRecordCollapsesRecurrences(t *testing.T) {
	stamps := NewBatchStamps(frozenClock(runBase))
	id := testIdentity("app-1")
	slice := channelKey("x")

	stamps.Record(id, slice, marchWindow())
	stamps.Record(id, slice, marchWindow())
	require.Len(t, stamps.History(id), 1)

	// Same slice over a different window is a distinct fetch.
	other := series.Window{From: series.MustDay("2024-04-01"), To: series.MustDay("2024-04-02")}
	stamps.Record(id, slice, other)
	require.Len(t, stamps.History(id), 2)

	stamps.Record(id, channelKey("y"), marchWindow())
	history := stamps.History(id)
	require.Len(t, history, 3)
	assert.Equal(t, "x", history[0].Slice.Dims["channel"])
	assert.Equal(t, "y", history[2].Slice.Dims["channel"])
}

func TestWrittenCountsResetOnInvalidate(t *testing.T) {
	stamps := NewBatchStamps(frozenClock(runBase))
	id := testIdentity("app-1")

	assert.Equal(t, 0, stamps.Written(id))
	stamps.NoteWritten(id, 2)
	stamps.NoteWritten(id, 3)
	assert.Equal(t, 5, stamps.Written(id))

	stamps.Invalidate(id)
	assert.Equal(t, 0, stamps.Written(id), "a fresh stamp starts a fresh count")
}

func TestStampsIsolatePerIdentity(t *testing.T) {
	stamps := NewBatchStamps(frozenClock(runBase))
	a := testIdentity("app-1")
	b := testIdentity("app-2")

	stamps.StampFor(a)
	stamps.StampFor(b)
	stamps.NoteWritten(a, 4)
	stamps.Invalidate(a)

	assert.True(t, stamps.Bypass(a))
	assert.False(t, stamps.Bypass(b), "invalidation never leaks across identities")
	assert.Equal(t, 0, stamps.Written(a))
}
