package precision

import (
	"testing"

	"github.com/aster-lick-hunter/node/pkg/types"
)

func testRegistry() *Registry {
	r := New()
	r.Load([]types.SymbolFilters{
		{
			Symbol:      "BTCUSDT",
			TickSize:    0.10,
			StepSize:    0.001,
			MinQty:      0.001,
			MaxQty:      1000,
			MinNotional: 5,
		},
	})
	return r
}

func TestFormatPriceRoundsDownToTickSize(t *testing.T) {
	t.Parallel()
	r := testRegistry()

	got := r.FormatPrice("BTCUSDT", 63123.47)
	if got != "63123.4" {
		t.Errorf("FormatPrice() = %q, want %q", got, "63123.4")
	}
}

func TestFormatQuantityRoundsDownToStepSize(t *testing.T) {
	t.Parallel()
	r := testRegistry()

	got := r.FormatQuantity("BTCUSDT", 0.12349)
	if got != "0.123" {
		t.Errorf("FormatQuantity() = %q, want %q", got, "0.123")
	}
}

func TestFormatPriceIsIdempotent(t *testing.T) {
	t.Parallel()
	r := testRegistry()

	first := r.FormatPrice("BTCUSDT", 63123.47)
	second := r.FormatPrice("BTCUSDT", 63123.4)
	if first != second {
		t.Errorf("FormatPrice() not idempotent: %q != %q", first, second)
	}
}

func TestValidateAndAdjustQuantityRejectsBelowMinQty(t *testing.T) {
	t.Parallel()
	r := testRegistry()

	_, err := r.ValidateAndAdjustQuantity("BTCUSDT", 0.0001, 60000)
	if err == nil {
		t.Error("expected an error for quantity below minQty, got nil")
	}
}

func TestValidateAndAdjustQuantitySnapsUpToMinNotional(t *testing.T) {
	t.Parallel()
	r := testRegistry()

	// 0.001 * 1000 = 1 notional, below minNotional 5; snaps up to 0.005
	// (5/1000 = 0.005, step-aligned), notional 5, within maxQty 1000.
	qty, err := r.ValidateAndAdjustQuantity("BTCUSDT", 0.001, 1000)
	if err != nil {
		t.Fatalf("ValidateAndAdjustQuantity() returned error: %v", err)
	}
	if qty.String() != "0.005" {
		t.Errorf("adjusted quantity = %s, want 0.005", qty.String())
	}
}

func TestValidateAndAdjustQuantityRejectsWhenSnapExceedsMaxQty(t *testing.T) {
	t.Parallel()
	r := New()
	r.Load([]types.SymbolFilters{
		{
			Symbol:      "BTCUSDT",
			TickSize:    0.10,
			StepSize:    0.001,
			MinQty:      0.001,
			MaxQty:      0.002,
			MinNotional: 5,
		},
	})

	// Snapping up to satisfy minNotional 5 at price 1000 needs qty=0.005,
	// which exceeds maxQty 0.002 — must error rather than silently clamp.
	_, err := r.ValidateAndAdjustQuantity("BTCUSDT", 0.001, 1000)
	if err == nil {
		t.Error("expected an error when the minNotional-satisfying quantity exceeds maxQty, got nil")
	}
}

func TestValidateAndAdjustQuantityAcceptsValidOrder(t *testing.T) {
	t.Parallel()
	r := testRegistry()

	qty, err := r.ValidateAndAdjustQuantity("BTCUSDT", 0.01, 60000)
	if err != nil {
		t.Fatalf("ValidateAndAdjustQuantity() returned error: %v", err)
	}
	if qty.String() != "0.01" {
		t.Errorf("adjusted quantity = %s, want 0.01", qty.String())
	}
}

func TestUnknownSymbolFallsBackToDefaultFilters(t *testing.T) {
	t.Parallel()
	r := New()

	got := r.FormatPrice("UNKNOWNUSDT", 1.23456)
	if got != "1.2345" {
		t.Errorf("FormatPrice() for unknown symbol = %q, want %q (default tick 0.0001)", got, "1.2345")
	}
}
