package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"manifold-trader/internal/config"
	"manifold-trader/pkg/types"
)

type fakeLister struct {
	markets []types.Market
	err     error
}

func (f *fakeLister) GetNewestMarkets(ctx context.Context, limit int) ([]types.Market, error) {
	return f.markets, f.err
}

func newTestScanner(api Lister) *Scanner {
	return NewScanner(api, config.ScannerConfig{
		PollInterval: time.Minute,
		Limit:        50,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFilterSkipsMarketsBeforeStartup(t *testing.T) {
	t.Parallel()
	s := newTestScanner(&fakeLister{})

	old := types.Market{
		ID:          "old",
		CreatedTime: time.Now().Add(-time.Hour).UnixMilli(),
		OutcomeType: types.OutcomeBinary,
	}
	if fresh := s.filter([]types.Market{old}); len(fresh) != 0 {
		t.Errorf("fresh = %v, markets created before startup must be skipped", fresh)
	}
}

func TestFilterKeepsNewBinaryMarkets(t *testing.T) {
	t.Parallel()
	s := newTestScanner(&fakeLister{})
	future := time.Now().Add(time.Minute).UnixMilli()

	markets := []types.Market{
		{ID: "binary", CreatedTime: future, OutcomeType: types.OutcomeBinary},
		{ID: "multi", CreatedTime: future + 1, OutcomeType: types.OutcomeMultipleChoice},
		{ID: "resolved", CreatedTime: future + 2, OutcomeType: types.OutcomeBinary, IsResolved: true},
	}

	fresh := s.filter(markets)
	if len(fresh) != 1 || fresh[0].ID != "binary" {
		t.Errorf("fresh = %v, want only the open binary market", fresh)
	}
}

func TestFilterAdvancesWatermark(t *testing.T) {
	t.Parallel()
	s := newTestScanner(&fakeLister{})
	future := time.Now().Add(time.Minute).UnixMilli()

	m := types.Market{ID: "m1", CreatedTime: future, OutcomeType: types.OutcomeBinary}
	if fresh := s.filter([]types.Market{m}); len(fresh) != 1 {
		t.Fatalf("first pass fresh = %v, want [m1]", fresh)
	}
	// Same market again: the watermark has moved past it.
	if fresh := s.filter([]types.Market{m}); len(fresh) != 0 {
		t.Errorf("second pass fresh = %v, want none", fresh)
	}
}

func TestFilterWatermarkAdvancesPastSkippedMarkets(t *testing.T) {
	t.Parallel()
	s := newTestScanner(&fakeLister{})
	future := time.Now().Add(time.Minute).UnixMilli()

	// Even a non-tradeable market advances the watermark, so a later poll
	// returning the same page reports nothing.
	multi := types.Market{ID: "multi", CreatedTime: future, OutcomeType: types.OutcomeMultipleChoice}
	s.filter([]types.Market{multi})

	older := types.Market{ID: "older", CreatedTime: future - 1, OutcomeType: types.OutcomeBinary}
	if fresh := s.filter([]types.Market{older}); len(fresh) != 0 {
		t.Errorf("fresh = %v, watermark should have advanced past it", fresh)
	}
}

func TestScanDeliversResults(t *testing.T) {
	t.Parallel()
	future := time.Now().Add(time.Minute).UnixMilli()
	api := &fakeLister{markets: []types.Market{
		{ID: "m1", CreatedTime: future, OutcomeType: types.OutcomeBinary},
	}}
	s := newTestScanner(api)

	s.scan(context.Background())

	select {
	case got := <-s.Results():
		if len(got) != 1 || got[0].ID != "m1" {
			t.Errorf("results = %v, want [m1]", got)
		}
	default:
		t.Fatal("no scan result delivered")
	}
}

func TestScanSwallowsAPIFailure(t *testing.T) {
	t.Parallel()
	s := newTestScanner(&fakeLister{err: errors.New("api down")})

	s.scan(context.Background())

	select {
	case got := <-s.Results():
		t.Errorf("results = %v, want none on failure", got)
	default:
	}
}
