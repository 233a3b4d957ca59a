package types

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotKeyRoundTrip(t *testing.T) {
	cases := []SlotKey{
		{RegionKey: "east:kanto", PageIndex: 0},
		{RegionKey: "west:kinki", PageIndex: 12},
		{RegionKey: "odd|key", PageIndex: 3},
	}
	for _, k := range cases {
		parsed, err := ParseSlotKey(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
}

func TestParseSlotKeyRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "east:kanto", "|0", "east:kanto|", "east:kanto|x", "east:kanto|-1"} {
		_, err := ParseSlotKey(s)
		assert.ErrorIs(t, err, ErrInvalidSlotKey, s)
	}
}

func TestSlotKeyAsJSONMapKey(t *testing.T) {
	m := map[SlotKey]LocationRef{{RegionKey: "east:kanto", PageIndex: 1}: "c/m"}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"east:kanto|1":"c/m"}`, string(b))

	var back map[SlotKey]LocationRef
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, m, back)
}

func TestRegionResultNeverEmpty(t *testing.T) {
	fallback := StatusRecord{LineName: "[関東]", StatusText: "現在問題ありません", Kind: KindNormal}
	r := NewRegionResult("east:kanto", "関東", nil, fallback, time.Now())

	require.Equal(t, 1, r.Len())
	assert.Equal(t, KindNormal, r.Records()[0].Kind)
	assert.False(t, r.Failed())
}

func TestRegionResultIsImmutable(t *testing.T) {
	in := []StatusRecord{{LineName: "a", StatusText: "遅延"}}
	r := NewRegionResult("k", "K", in, StatusRecord{}, time.Now())

	in[0].StatusText = "changed"
	out := r.Records()
	out[0].StatusText = "changed again"

	assert.Equal(t, "遅延", r.Records()[0].StatusText)
}

func TestErrorResult(t *testing.T) {
	cause := errors.New("boom")
	r := NewErrorResult("k", "K", StatusRecord{LineName: "[K]", StatusText: "取得失敗", Kind: KindError}, cause, time.Now())

	assert.True(t, r.Failed())
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Records()[0].Synthetic())
}

func TestSummaryDecide(t *testing.T) {
	s := CycleSummary{
		Regions: map[string]RegionSummary{"a": {OK: true}, "b": {OK: false}},
		Order:   []string{"a", "b"},
	}
	s.Decide()
	assert.Equal(t, OutcomePartial, s.Outcome)
	assert.Equal(t, []string{"b"}, s.FailedRegions())

	s.Regions["a"] = RegionSummary{OK: false}
	s.Decide()
	assert.Equal(t, OutcomeTotalFailure, s.Outcome)

	s.Regions = map[string]RegionSummary{"a": {OK: true}}
	s.Order = []string{"a"}
	s.Decide()
	assert.Equal(t, OutcomeAllSynced, s.Outcome)

	s.Errors = []string{"state save failed"}
	s.Decide()
	assert.Equal(t, OutcomePartial, s.Outcome)

	s.Outcome = OutcomeAborted
	s.Decide()
	assert.Equal(t, OutcomeAborted, s.Outcome)
}
