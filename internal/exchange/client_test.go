package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aster-lick-hunter/node/internal/config"
	"github.com/aster-lick-hunter/node/internal/ratelimit"
	"github.com/aster-lick-hunter/node/internal/signing"
	"github.com/aster-lick-hunter/node/pkg/types"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)

	cfg := &config.Config{API: config.APIConfig{BaseURL: srv.URL}}
	signer := signing.New("test-key", "test-secret")
	rl := ratelimit.NewManager(ratelimit.Config{MaxWeight: 2400, MaxOrderCount: 1200, ReservePercent: 20}, nil)
	logger := slog.New(slog.NewTextHandler(discardWriter{}, nil))

	c := NewClient(cfg, signer, rl, logger)
	cleanup := func() {
		rl.Stop()
		srv.Close()
	}
	return c, cleanup
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestPlaceOrderSendsAPIKeyAndSignature(t *testing.T) {
	t.Parallel()
	var gotHeader string
	var gotQuery string

	c, cleanup := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-MBX-APIKEY")
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		gotQuery = string(body)
		w.Header().Set("X-Mbx-Used-Weight-1M", "5")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"orderId": 1, "status": "NEW", "clientOrderId": "abc",
		})
	})
	defer cleanup()

	req := types.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     types.BUY,
		Type:     types.OrderTypeMarket,
		Quantity: "0.01",
	}
	result, err := c.PlaceOrder(context.Background(), req, types.PriorityCritical)
	if err != nil {
		t.Fatalf("PlaceOrder() returned error: %v", err)
	}
	if gotHeader != "test-key" {
		t.Errorf("X-MBX-APIKEY = %q, want %q", gotHeader, "test-key")
	}
	if !strings.Contains(gotQuery, "signature=") {
		t.Errorf("request body missing signature: %q", gotQuery)
	}
	if result.Status != types.OrderNew {
		t.Errorf("result.Status = %q, want NEW", result.Status)
	}
}

func TestPlaceOrderDryRunSkipsHTTP(t *testing.T) {
	t.Parallel()
	called := false
	c, cleanup := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	defer cleanup()
	c.dryRun = true

	req := types.OrderRequest{Symbol: "ETHUSDT", Side: types.SELL, Type: types.OrderTypeLimit}
	result, err := c.PlaceOrder(context.Background(), req, types.PriorityHigh)
	if err != nil {
		t.Fatalf("PlaceOrder() returned error: %v", err)
	}
	if called {
		t.Error("dry-run PlaceOrder() made an HTTP call")
	}
	if result.Symbol != "ETHUSDT" {
		t.Errorf("result.Symbol = %q, want ETHUSDT", result.Symbol)
	}
}

func TestPlaceOrderRejectsStatus4xxAsError(t *testing.T) {
	t.Parallel()
	c, cleanup := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{"code": -2010, "msg": "insufficient balance"})
	})
	defer cleanup()

	req := types.OrderRequest{Symbol: "BTCUSDT", Side: types.BUY, Type: types.OrderTypeMarket, Quantity: "1"}
	_, err := c.PlaceOrder(context.Background(), req, types.PriorityCritical)
	if err == nil {
		t.Fatal("expected an error for a 400 response, got nil")
	}
}

func TestGetExchangeInfoParsesFilters(t *testing.T) {
	t.Parallel()
	c, cleanup := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"symbols": []map[string]interface{}{
				{
					"symbol": "BTCUSDT",
					"filters": []map[string]interface{}{
						{"filterType": "PRICE_FILTER", "tickSize": "0.10"},
						{"filterType": "LOT_SIZE", "stepSize": "0.001", "minQty": "0.001", "maxQty": "1000"},
						{"filterType": "MIN_NOTIONAL", "notional": "5"},
					},
				},
			},
		})
	})
	defer cleanup()

	filters, err := c.GetExchangeInfo(context.Background())
	if err != nil {
		t.Fatalf("GetExchangeInfo() returned error: %v", err)
	}
	if len(filters) != 1 {
		t.Fatalf("got %d symbols, want 1", len(filters))
	}
	f := filters[0]
	if f.Symbol != "BTCUSDT" || f.TickSize != 0.10 || f.StepSize != 0.001 || f.MinNotional != 5 {
		t.Errorf("unexpected filters: %+v", f)
	}
}

func TestGetPositionModeParsesDualSidePosition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		dual bool
		want types.PositionMode
	}{
		{"one-way", false, types.OneWay},
		{"hedge", true, types.Hedge},
	}

	for _, tt := range tests {
		c, cleanup := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/fapi/v1/positionSide/dual" || r.Method != http.MethodGet {
				t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"dualSidePosition": tt.dual})
		})

		mode, err := c.GetPositionMode(context.Background())
		if err != nil {
			t.Fatalf("%s: GetPositionMode() returned error: %v", tt.name, err)
		}
		if mode != tt.want {
			t.Errorf("%s: GetPositionMode() = %q, want %q", tt.name, mode, tt.want)
		}
		cleanup()
	}
}

func TestSetPositionModeSendsDualSidePosition(t *testing.T) {
	t.Parallel()
	var gotBody string
	c, cleanup := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/positionSide/dual" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		gotBody = string(body)
		json.NewEncoder(w).Encode(map[string]interface{}{})
	})
	defer cleanup()

	if err := c.SetPositionMode(context.Background(), types.Hedge); err != nil {
		t.Fatalf("SetPositionMode() returned error: %v", err)
	}
	if !strings.Contains(gotBody, "dualSidePosition=true") {
		t.Errorf("request body missing dualSidePosition=true: %q", gotBody)
	}
}
