package backpressure

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/websoft9/termsub/internal/substraterr"
)

func newTestController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	if cfg.SampleInterval == 0 {
		cfg.SampleInterval = time.Hour // don't let the background loop interfere with manual ticks
	}
	c := NewController(cfg, zerolog.Nop())
	t.Cleanup(c.Shutdown)
	return c
}

func TestClassify_Thresholds(t *testing.T) {
	c := newTestController(t, Config{MemoryCutoffPct: 0.80, CPUCutoffPct: 0.90})

	tests := []struct {
		name string
		s    Sample
		want Pressure
	}{
		{"idle", Sample{MemoryPct: 0.1, CPUPct: 0.1}, Low},
		{"half memory", Sample{MemoryPct: 0.5, CPUPct: 0.1}, Normal},
		{"three quarters memory", Sample{MemoryPct: 0.61, CPUPct: 0.1}, Medium},
		{"at memory cutoff", Sample{MemoryPct: 0.80, CPUPct: 0.1}, High},
		{"at cpu cutoff", Sample{MemoryPct: 0.1, CPUPct: 0.90}, High},
		{"both at cutoff", Sample{MemoryPct: 0.80, CPUPct: 0.90}, Critical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.classify(tt.s); got != tt.want {
				t.Errorf("classify(%+v) = %v, want %v", tt.s, got, tt.want)
			}
		})
	}
}

func setPressure(c *Controller, p Pressure) {
	c.mu.Lock()
	c.pressure = p
	c.mu.Unlock()
}

func TestRequestStream_LowAndNormalAdmitImmediately(t *testing.T) {
	c := newTestController(t, Config{})
	setPressure(c, Low)

	sc, err := c.RequestStream(PriorityNormal)
	if err != nil {
		t.Fatalf("RequestStream() error = %v", err)
	}
	if sc.ThrottleDelay != 0 || sc.ThrottlePct != 0 {
		t.Errorf("expected no throttle at low pressure, got delay=%v pct=%v", sc.ThrottleDelay, sc.ThrottlePct)
	}
	sc.Release()
}

func TestRequestStream_CriticalRejectsWithOverloaded(t *testing.T) {
	c := newTestController(t, Config{})
	setPressure(c, Critical)

	_, err := c.RequestStream(PriorityCritical)
	if !substraterr.Is(err, substraterr.Overloaded) {
		t.Fatalf("RequestStream() error = %v, want Overloaded", err)
	}
}

func TestRequestStream_HighPriorityBypassesPauseAtHighPressure(t *testing.T) {
	c := newTestController(t, Config{HighPressurePause: time.Hour})
	setPressure(c, High)

	start := time.Now()
	sc, err := c.RequestStream(PriorityHigh)
	if err != nil {
		t.Fatalf("RequestStream() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("high priority stream waited %v, want immediate admission", elapsed)
	}
	if sc.ThrottlePct != 0.30 {
		t.Errorf("ThrottlePct = %v, want 0.30", sc.ThrottlePct)
	}
	sc.Release()
}

func TestRequestStream_NormalPriorityPausesAtHighPressure(t *testing.T) {
	c := newTestController(t, Config{HighPressurePause: 30 * time.Millisecond})
	setPressure(c, High)

	start := time.Now()
	sc, err := c.RequestStream(PriorityNormal)
	if err != nil {
		t.Fatalf("RequestStream() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("normal priority stream admitted after %v, want at least the configured pause", elapsed)
	}
	sc.Release()
}

func TestRequestStream_RejectsBeyondConcurrentAndQueueCaps(t *testing.T) {
	// MaxQueueSize <= 0 falls back to the default of 100, so the smallest
	// queue cap is 1: one parked waiter fills it.
	c := newTestController(t, Config{MaxConcurrentStreams: 1, MaxQueueSize: 1})
	setPressure(c, Low)

	first, err := c.RequestStream(PriorityNormal)
	if err != nil {
		t.Fatalf("first RequestStream() error = %v", err)
	}

	type result struct {
		sc  *StreamController
		err error
	}
	queued := make(chan result, 1)
	go func() {
		sc, err := c.RequestStream(PriorityNormal)
		queued <- result{sc, err}
	}()
	deadline := time.Now().Add(time.Second)
	for {
		c.mu.Lock()
		n := c.queued
		c.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second RequestStream() never parked on the waiter queue")
		}
		time.Sleep(time.Millisecond)
	}

	_, err = c.RequestStream(PriorityNormal)
	if !substraterr.Is(err, substraterr.QueueFull) {
		t.Fatalf("third RequestStream() error = %v, want QueueFull", err)
	}

	first.Release()
	select {
	case second := <-queued:
		if second.err != nil {
			t.Fatalf("RequestStream() after release error = %v", second.err)
		}
		second.sc.Release()
	case <-time.After(time.Second):
		t.Fatal("queued RequestStream() was not admitted after release")
	}
}

func TestStreamController_ReleaseIsIdempotent(t *testing.T) {
	c := newTestController(t, Config{MaxConcurrentStreams: 1})
	setPressure(c, Low)

	sc, err := c.RequestStream(PriorityNormal)
	if err != nil {
		t.Fatalf("RequestStream() error = %v", err)
	}
	sc.Release()
	sc.Release() // must not double-decrement active

	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active != 0 {
		t.Fatalf("active = %d after double release, want 0", active)
	}
}

func TestAdjustThrottleLocked_GrowsAndShrinks(t *testing.T) {
	c := newTestController(t, Config{})

	c.mu.Lock()
	c.throttle = 0
	c.adjustThrottleLocked(Critical)
	grown := c.throttle
	c.mu.Unlock()
	if grown <= 0 {
		t.Fatalf("throttle after Critical = %v, want > 0", grown)
	}

	c.mu.Lock()
	c.adjustThrottleLocked(Low)
	for i := 0; i < 20; i++ {
		c.adjustThrottleLocked(Low)
	}
	shrunk := c.throttle
	c.mu.Unlock()
	if shrunk >= grown {
		t.Fatalf("throttle after sustained Low = %v, want less than %v", shrunk, grown)
	}
}

func TestReadRSS_NonNegativeForPID1(t *testing.T) {
	rss := readRSS(1) // pid 1 always exists in a container/VM; tolerate 0 on exotic sandboxes
	if rss < 0 {
		t.Errorf("readRSS(1) = %d, want >= 0", rss)
	}
}
