package store

import (
	"testing"

	"github.com/aster-lick-hunter/node/pkg/types"
)

func TestSaveAndLoadState(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	state := State{
		Pending: map[string]types.PendingEntry{
			"BTCUSDT_BUY": {TempKey: "temp_1", Symbol: "BTCUSDT", Side: types.BUY},
		},
		Protective: map[string]types.ProtectiveOrders{
			"BTCUSDT_BOTH": {SLOrderID: 1001, TPOrderID: 1002},
		},
	}

	if err := s.Save(state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := loaded.Pending["BTCUSDT_BUY"].TempKey; got != "temp_1" {
		t.Errorf("Pending[BTCUSDT_BUY].TempKey = %q, want temp_1", got)
	}
	po := loaded.Protective["BTCUSDT_BOTH"]
	if po.SLOrderID != 1001 || po.TPOrderID != 1002 {
		t.Errorf("Protective[BTCUSDT_BOTH] = %+v, want {1001 1002}", po)
	}
}

func TestLoadMissingFileReturnsEmptyState(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Pending) != 0 || len(loaded.Protective) != 0 {
		t.Errorf("expected empty state for a fresh store, got %+v", loaded)
	}
}

func TestSaveOverwritesPreviousSnapshot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	first := State{Pending: map[string]types.PendingEntry{"BTCUSDT_BUY": {TempKey: "temp_1"}}, Protective: map[string]types.ProtectiveOrders{}}
	second := State{Pending: map[string]types.PendingEntry{"BTCUSDT_BUY": {TempKey: "temp_2"}}, Protective: map[string]types.ProtectiveOrders{}}

	_ = s.Save(first)
	_ = s.Save(second)

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := loaded.Pending["BTCUSDT_BUY"].TempKey; got != "temp_2" {
		t.Errorf("TempKey = %q, want temp_2 (latest save)", got)
	}
}
