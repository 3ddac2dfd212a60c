package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aster-lick-hunter/node/pkg/types"
)

type recordingSink struct {
	mu     chan struct{}
	events []Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{mu: make(chan struct{}, 1)}
}

func (s *recordingSink) Publish(e Event) {
	s.events = append(s.events, e)
}

func testConfig() Config {
	return Config{
		MaxWeight:           100,
		MaxOrderCount:       10,
		ReservePercent:      20,
		QueueTimeout:        500 * time.Millisecond,
		DeduplicationWindow: 50 * time.Millisecond,
		MaxConcurrent:       5,
	}
}

func TestAdmitWithinBudgetSucceeds(t *testing.T) {
	t.Parallel()
	m := NewManager(testConfig(), nil)
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := m.Admit(ctx, types.PriorityHigh, 10, false, ""); err != nil {
		t.Fatalf("Admit() returned error: %v", err)
	}
}

func TestAdmitRejectsOversizedWeight(t *testing.T) {
	t.Parallel()
	m := NewManager(testConfig(), nil)
	defer m.Stop()

	err := m.Admit(context.Background(), types.PriorityHigh, 1000, false, "")
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Admit() error = %v, want ErrValidation", err)
	}
}

func TestAdmitPrioritizesCriticalOverLow(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxWeight = 10
	cfg.MaxConcurrent = 1
	m := NewManager(cfg, nil)
	defer m.Stop()

	order := make(chan string, 2)
	ready := make(chan struct{})

	go func() {
		<-ready
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := m.Admit(ctx, types.PriorityLow, 5, false, ""); err == nil {
			order <- "low"
		}
	}()
	go func() {
		<-ready
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := m.Admit(ctx, types.PriorityCritical, 5, false, ""); err == nil {
			order <- "critical"
		}
	}()

	// give both goroutines a chance to enqueue before either can be admitted
	time.Sleep(20 * time.Millisecond)
	close(ready)

	first := <-order
	if first != "critical" {
		t.Errorf("first admitted = %q, want %q", first, "critical")
	}
}

func TestAdmitTimesOutWhenBudgetExhausted(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxWeight = 5
	cfg.QueueTimeout = 150 * time.Millisecond
	m := NewManager(cfg, nil)
	defer m.Stop()

	ctx := context.Background()
	// reserve is 20% of 5 -> non-critical budget is 4
	if err := m.Admit(ctx, types.PriorityHigh, 4, false, ""); err != nil {
		t.Fatalf("first Admit() returned error: %v", err)
	}

	err := m.Admit(ctx, types.PriorityHigh, 4, false, "")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("second Admit() error = %v, want ErrTimeout", err)
	}
}

func TestDeduplicationCoalescesInFlightRequests(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxWeight = 5
	m := NewManager(cfg, nil)
	defer m.Stop()

	results := make(chan error, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			results <- m.Admit(ctx, types.PriorityMedium, 4, false, "dup-key")
		}()
	}
	close(start)

	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Errorf("Admit() call %d returned error: %v", i, err)
		}
	}

	m.mu.Lock()
	used := m.usedWeight(time.Now())
	m.mu.Unlock()
	if used != 4 {
		t.Errorf("usedWeight after dedup = %d, want 4 (single admission)", used)
	}
}

func TestReportResponseOpensCircuitBreaker(t *testing.T) {
	t.Parallel()
	m := NewManager(testConfig(), nil)
	defer m.Stop()

	m.ReportResponse(429, 0, 0, false)

	m.mu.Lock()
	open := m.breakerOpen
	m.mu.Unlock()
	if !open {
		t.Fatal("breakerOpen = false after 429 response, want true")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := m.Admit(ctx, types.PriorityLow, 5, false, "")
	if err == nil {
		t.Error("Admit() with open breaker admitted a LOW priority request, want blocked")
	}
}

func TestCircuitBreakerClosesAfterBackoffAndEmitsResetEvent(t *testing.T) {
	t.Parallel()
	sink := newRecordingSink()
	cfg := testConfig()
	m := NewManager(cfg, sink)
	defer m.Stop()

	m.ReportResponse(418, 0, 0, false)
	m.mu.Lock()
	m.breakerUntil = time.Now().Add(50 * time.Millisecond)
	m.mu.Unlock()

	time.Sleep(300 * time.Millisecond)

	m.mu.Lock()
	open := m.breakerOpen
	m.mu.Unlock()
	if open {
		t.Error("breakerOpen = true after backoff elapsed, want false")
	}

	found := false
	for _, e := range sink.events {
		if e.Kind == "circuitBreakerReset" {
			found = true
		}
	}
	if !found {
		t.Error("expected a circuitBreakerReset event after the breaker closed")
	}
}

func TestCriticalRequestBypassesOpenBreaker(t *testing.T) {
	t.Parallel()
	m := NewManager(testConfig(), nil)
	defer m.Stop()

	m.ReportResponse(429, 0, 0, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Admit(ctx, types.PriorityCritical, 5, false, ""); err != nil {
		t.Errorf("CRITICAL Admit() with open breaker returned error: %v", err)
	}
}

func TestHeaderOverrideTakesPrecedenceOverComputedWindow(t *testing.T) {
	t.Parallel()
	m := NewManager(testConfig(), nil)
	defer m.Stop()

	m.ReportResponse(200, 90, 0, true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// reserve is 20% of 100 -> non-critical budget is 80; header already reports 90 used
	err := m.Admit(ctx, types.PriorityLow, 1, false, "")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Admit() error = %v, want ErrTimeout (header-reported usage should block admission)", err)
	}
}

func TestBackoffForCapsAtSixteenSeconds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		k    int
		want time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{4, 16 * time.Second},
		{10, 16 * time.Second},
	}
	for _, c := range cases {
		if got := backoffFor(c.k); got != c.want {
			t.Errorf("backoffFor(%d) = %v, want %v", c.k, got, c.want)
		}
	}
}
