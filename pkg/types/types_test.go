package types

import "testing"

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	tests := []struct {
		side Side
		want Side
	}{
		{BUY, SELL},
		{SELL, BUY},
	}

	for _, tt := range tests {
		if got := tt.side.Opposite(); got != tt.want {
			t.Errorf("Side(%q).Opposite() = %q, want %q", tt.side, got, tt.want)
		}
	}
}

func TestPriorityString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		p    Priority
		want string
	}{
		{PriorityCritical, "CRITICAL"},
		{PriorityHigh, "HIGH"},
		{PriorityMedium, "MEDIUM"},
		{PriorityLow, "LOW"},
		{Priority(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Priority(%d).String() = %q, want %q", tt.p, got, tt.want)
		}
	}
}

func TestPositionKeyString(t *testing.T) {
	t.Parallel()

	key := PositionKey{Symbol: "BTCUSDT", PositionSide: PositionLong}
	if got, want := key.String(), "BTCUSDT_LONG"; got != want {
		t.Errorf("PositionKey.String() = %q, want %q", got, want)
	}
}

func TestPositionSideAndIsOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pos  Position
		side PositionSide
		open bool
	}{
		{"long", Position{PositionAmt: 0.5}, PositionLong, true},
		{"short", Position{PositionAmt: -0.5}, PositionShort, true},
		{"flat", Position{PositionAmt: 0}, PositionLong, false},
	}

	for _, tt := range tests {
		if got := tt.pos.Side(); got != tt.side {
			t.Errorf("%s: Position.Side() = %q, want %q", tt.name, got, tt.side)
		}
		if got := tt.pos.IsOpen(); got != tt.open {
			t.Errorf("%s: Position.IsOpen() = %v, want %v", tt.name, got, tt.open)
		}
	}
}

func TestPositionKey(t *testing.T) {
	t.Parallel()

	pos := Position{Symbol: "ETHUSDT", PositionSide: PositionShort}
	want := PositionKey{Symbol: "ETHUSDT", PositionSide: PositionShort}
	if got := pos.Key(); got != want {
		t.Errorf("Position.Key() = %+v, want %+v", got, want)
	}
}

func TestProtectiveOrdersHasSLHasTP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		po   ProtectiveOrders
		sl   bool
		tp   bool
	}{
		{"neither", ProtectiveOrders{}, false, false},
		{"sl only", ProtectiveOrders{SLOrderID: 1001}, true, false},
		{"tp only", ProtectiveOrders{TPOrderID: 1002}, false, true},
		{"both", ProtectiveOrders{SLOrderID: 1001, TPOrderID: 1002}, true, true},
	}

	for _, tt := range tests {
		if got := tt.po.HasSL(); got != tt.sl {
			t.Errorf("%s: HasSL() = %v, want %v", tt.name, got, tt.sl)
		}
		if got := tt.po.HasTP(); got != tt.tp {
			t.Errorf("%s: HasTP() = %v, want %v", tt.name, got, tt.tp)
		}
	}
}

func TestLiquidationEventVolumeUSDT(t *testing.T) {
	t.Parallel()

	evt := LiquidationEvent{Quantity: 0.3, Price: 50000}
	if got, want := evt.VolumeUSDT(), 15000.0; got != want {
		t.Errorf("LiquidationEvent.VolumeUSDT() = %v, want %v", got, want)
	}
}

func TestOrderTradeUpdateIsEntryFill(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		upd  OrderTradeUpdate
		want bool
	}{
		{"filled entry", OrderTradeUpdate{Status: OrderFilled, Type: OrderTypeMarket}, true},
		{"filled limit entry", OrderTradeUpdate{Status: OrderFilled, Type: OrderTypeLimit}, true},
		{"filled stop-loss", OrderTradeUpdate{Status: OrderFilled, Type: OrderTypeStopMarket}, false},
		{"filled take-profit", OrderTradeUpdate{Status: OrderFilled, Type: OrderTypeTakeProfitMarket}, false},
		{"canceled entry", OrderTradeUpdate{Status: OrderCanceled, Type: OrderTypeMarket}, false},
	}

	for _, tt := range tests {
		if got := tt.upd.IsEntryFill(); got != tt.want {
			t.Errorf("%s: IsEntryFill() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
