package syncer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tontonpaa/EmbedBot/internal/output"
	"github.com/tontonpaa/EmbedBot/internal/render"
	"github.com/tontonpaa/EmbedBot/internal/state"
	"github.com/tontonpaa/EmbedBot/pkg/types"
)

const region = "east:kanto"

func pages(n int, tag string) []render.Page {
	out := make([]render.Page, n)
	for i := range out {
		out[i] = render.Page{RegionKey: region, Index: i, Total: n, Title: fmt.Sprintf("%s %d/%d", tag, i+1, n)}
	}
	return out
}

func newEngine(pub output.Publisher) (*Engine, *[]time.Duration) {
	var slept []time.Duration
	e := New(pub, Options{
		RateLimitRetries: 3,
		Backoff:          100 * time.Millisecond,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	})
	return e, &slept
}

func anchored() *state.EngineState {
	st := state.New()
	st.Anchor = "chan"
	return st
}

func key(i int) types.SlotKey { return types.SlotKey{RegionKey: region, PageIndex: i} }

func TestFirstSyncCreates(t *testing.T) {
	pub := output.NewMemory(false)
	e, _ := newEngine(pub)
	st := anchored()

	rep, err := e.Sync(context.Background(), region, pages(3, "a"), st)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Created)
	assert.Equal(t, 0, rep.Edited)
	assert.Len(t, st.Slots, 3)
	assert.Equal(t, 3, pub.Live())
}

func TestIdempotentSync(t *testing.T) {
	pub := output.NewMemory(false)
	e, _ := newEngine(pub)
	st := anchored()
	ctx := context.Background()

	_, err := e.Sync(ctx, region, pages(2, "a"), st)
	require.NoError(t, err)
	first := st.Clone()

	rep, err := e.Sync(ctx, region, pages(2, "a"), st)
	require.NoError(t, err)

	assert.Equal(t, 0, rep.Created, "second run must not create")
	assert.Equal(t, 2, rep.Edited)
	assert.Equal(t, first.Slots, st.Slots)
	assert.Equal(t, 2, pub.Live(), "one live output per slot")
}

func TestStaleSlotRetirement(t *testing.T) {
	pub := output.NewMemory(false)
	e, _ := newEngine(pub)
	st := anchored()
	ctx := context.Background()

	_, err := e.Sync(ctx, region, pages(3, "before"), st)
	require.NoError(t, err)

	rep, err := e.Sync(ctx, region, pages(1, "after"), st)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Edited)
	assert.Equal(t, 2, rep.Retired)

	p0, _ := pub.Message(st.Slots[key(0)])
	assert.Equal(t, "after 1/1", p0.Title)
	for _, i := range []int{1, 2} {
		p, ok := pub.Message(st.Slots[key(i)])
		require.True(t, ok)
		assert.True(t, p.Retired, "page %d must carry the retired notice", i)
		assert.Equal(t, render.RetiredNotice, p.Description)
		assert.True(t, st.IsRetired(key(i)))
	}

	// already retired slots are not edited again
	_, edits := pub.Counts()
	rep, err = e.Sync(ctx, region, pages(1, "after"), st)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Retired)
	_, edits2 := pub.Counts()
	assert.Equal(t, edits+1, edits2)
}

func TestRetiredSlotIsReusedWhenRegionGrows(t *testing.T) {
	pub := output.NewMemory(false)
	e, _ := newEngine(pub)
	st := anchored()
	ctx := context.Background()

	_, _ = e.Sync(ctx, region, pages(2, "a"), st)
	_, _ = e.Sync(ctx, region, pages(1, "b"), st)
	ref1 := st.Slots[key(1)]

	rep, err := e.Sync(ctx, region, pages(2, "c"), st)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Created)
	assert.Equal(t, ref1, st.Slots[key(1)])
	assert.False(t, st.IsRetired(key(1)))
	p, _ := pub.Message(ref1)
	assert.Equal(t, "c 2/2", p.Title)
}

func TestRestartResumeEditsExistingLocation(t *testing.T) {
	pub := output.NewMemory(false)
	pub.Seed("chan/locA", render.Page{Title: "old"})

	st := anchored()
	st.Record(key(0), "chan/locA")

	e, _ := newEngine(pub)
	rep, err := e.Sync(context.Background(), region, pages(1, "new"), st)
	require.NoError(t, err)

	assert.Equal(t, 0, rep.Created)
	assert.Equal(t, types.LocationRef("chan/locA"), st.Slots[key(0)])
	p, _ := pub.Message("chan/locA")
	assert.Equal(t, "new 1/1", p.Title)
}

func TestNotFoundRecreates(t *testing.T) {
	pub := output.NewMemory(false)
	e, _ := newEngine(pub)
	st := anchored()
	ctx := context.Background()

	_, _ = e.Sync(ctx, region, pages(2, "a"), st)
	gone := st.Slots[key(1)]
	pub.Delete(gone)

	rep, err := e.Sync(ctx, region, pages(2, "a"), st)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Recreated)
	assert.Equal(t, 1, rep.Created)
	assert.NotEqual(t, gone, st.Slots[key(1)])
	assert.Equal(t, 2, pub.Live())
}

func TestRetireNotFoundDropsSlot(t *testing.T) {
	pub := output.NewMemory(false)
	e, _ := newEngine(pub)
	st := anchored()
	ctx := context.Background()

	_, _ = e.Sync(ctx, region, pages(2, "a"), st)
	pub.Delete(st.Slots[key(1)])

	rep, err := e.Sync(ctx, region, pages(1, "b"), st)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Dropped)
	_, ok := st.Lookup(key(1))
	assert.False(t, ok)
}

func TestRateLimitRetriesSameSlot(t *testing.T) {
	pub := output.NewMemory(false)
	e, slept := newEngine(pub)
	st := anchored()

	pub.FailNext("create", &output.RateLimitError{RetryAfter: 250 * time.Millisecond}, 2)
	rep, err := e.Sync(context.Background(), region, pages(1, "a"), st)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Created)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, *slept)
	assert.Equal(t, 1, pub.Live())
}

func TestRateLimitExhaustionSurfaces(t *testing.T) {
	pub := output.NewMemory(false)
	e, slept := newEngine(pub)
	st := anchored()

	pub.FailNext("create", &output.RateLimitError{}, 10)
	_, err := e.Sync(context.Background(), region, pages(1, "a"), st)
	assert.ErrorIs(t, err, output.ErrRateLimited)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, *slept)
	assert.Empty(t, st.Slots)
}

func TestPermissionIsTerminalForRegion(t *testing.T) {
	pub := output.NewMemory(false)
	e, _ := newEngine(pub)
	st := anchored()

	pub.FailNext("create", fmt.Errorf("send: %w", output.ErrPermissionDenied), 1)
	rep, err := e.Sync(context.Background(), region, pages(3, "a"), st)
	assert.ErrorIs(t, err, output.ErrPermissionDenied)
	assert.Equal(t, 0, rep.Created, "remaining pages are skipped")
	assert.Equal(t, 0, pub.Live())
}

func TestNoAnchor(t *testing.T) {
	pub := output.NewMemory(false)
	e, _ := newEngine(pub)
	st := state.New()

	_, err := e.Sync(context.Background(), region, pages(2, "a"), st)
	assert.ErrorIs(t, err, ErrNoAnchor)
	assert.Equal(t, 0, pub.Live())
}

func TestCancelledContextStops(t *testing.T) {
	pub := output.NewMemory(false)
	e, _ := newEngine(pub)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Sync(ctx, region, pages(2, "a"), anchored())
	assert.ErrorIs(t, err, context.Canceled)
}
