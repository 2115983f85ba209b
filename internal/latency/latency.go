// Package latency implements the round-trip-time prober (C3): for every
// live transport the pool hands it, it runs a trivial remote command on a
// fixed cadence and publishes the result, maintaining a short rolling
// window samples are drawn from to derive a quality score.
//
// Grounded on the tunnel.Server.keepalive (internal/tunnel/server.go):
// one goroutine per live connection, a ticker driving the cadence, and a
// SendRequest-style blocking call raced against a timeout via a buffered
// result channel rather than relying on the call's own deadline handling.
package latency

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/websoft9/termsub/internal/connpool"
	"github.com/websoft9/termsub/internal/events"
	"github.com/websoft9/termsub/internal/substraterr"
)

// Config tunes the prober's cadence and window.
type Config struct {
	Interval      time.Duration // how often each registered transport is probed, default 60s
	Timeout       time.Duration // per-probe deadline, default 5s
	WindowSize    int           // samples retained per transport, default 10
	FailThreshold int           // consecutive failures before latencyDisconnected fires, default 3
}

func defaultConfig(cfg Config) Config {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 10
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}
	return cfg
}

const probeCommand = "echo latency_test"

// Sample is one probe outcome.
type Sample struct {
	Timestamp time.Time
	RTT       time.Duration
	Err       error
}

type window struct {
	samples         []Sample
	consecFails     int
	disconnReported bool
}

// Prober runs periodic latency probes against every transport registered
// with it, one ticking goroutine per transport key.
type Prober struct {
	cfg Config
	bus *events.Bus
	log zerolog.Logger

	mu       sync.Mutex
	windows  map[string]*window
	cancelFn map[string]context.CancelFunc
	wg       sync.WaitGroup
}

func NewProber(cfg Config, bus *events.Bus, log zerolog.Logger) *Prober {
	return &Prober{
		cfg:      defaultConfig(cfg),
		bus:      bus,
		log:      log.With().Str("component", "latency").Logger(),
		windows:  make(map[string]*window),
		cancelFn: make(map[string]context.CancelFunc),
	}
}

// Register starts probing transport on the configured cadence under key. A
// key already registered is re-registered: its old loop stops and a fresh
// window starts, which is what the pool does when C5 replaces a transport
// in place.
func (p *Prober) Register(key string, transport connpool.Transport) {
	p.Unregister(key)

	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.windows[key] = &window{}
	p.cancelFn[key] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx, key, transport)
}

// Unregister stops probing key, a no-op if it was never registered.
func (p *Prober) Unregister(key string) {
	p.mu.Lock()
	cancel, ok := p.cancelFn[key]
	if ok {
		delete(p.cancelFn, key)
		delete(p.windows, key)
	}
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *Prober) loop(ctx context.Context, key string, transport connpool.Transport) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeOnce(ctx, key, transport)
		}
	}
}

// ProbeNow runs a single probe immediately and returns its result, without
// waiting for the next tick. The result is also folded into key's rolling
// window and published, same as a scheduled probe — "may be invoked on
// demand to measure immediately".
func (p *Prober) ProbeNow(ctx context.Context, key string, transport connpool.Transport) Sample {
	return p.probeOnce(ctx, key, transport)
}

func (p *Prober) probeOnce(ctx context.Context, key string, transport connpool.Transport) Sample {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		_, err := transport.ExecLine(probeCtx, probeCommand)
		done <- err
	}()

	var sample Sample
	select {
	case err := <-done:
		sample = Sample{Timestamp: start, RTT: time.Since(start), Err: err}
	case <-probeCtx.Done():
		sample = Sample{Timestamp: start, Err: substraterr.Wrap(substraterr.TimeoutOp, "latency: probe timed out", probeCtx.Err())}
	}

	p.record(key, sample)
	return sample
}

func (p *Prober) record(key string, sample Sample) {
	p.mu.Lock()
	w, ok := p.windows[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	w.samples = append(w.samples, sample)
	if len(w.samples) > p.cfg.WindowSize {
		w.samples = w.samples[len(w.samples)-p.cfg.WindowSize:]
	}

	var disconnect bool
	if sample.Err != nil {
		w.consecFails++
		if w.consecFails >= p.cfg.FailThreshold && !w.disconnReported {
			w.disconnReported = true
			disconnect = true
		}
	} else {
		w.consecFails = 0
		w.disconnReported = false
	}
	p.mu.Unlock()

	if sample.Err != nil {
		p.bus.PublishLatencyError(events.LatencyError{Key: key, Err: sample.Err})
		if disconnect {
			p.bus.PublishLatencyDisconnected(events.LatencyDisconnected{Key: key})
		}
		return
	}
	p.bus.PublishLatencyUpdated(events.LatencyUpdated{Key: key, RTT: sample.RTT.Milliseconds()})
	if score, ok := p.Quality(key); ok {
		p.bus.PublishConnectionStatus(events.ConnectionStatus{Key: key, Connected: true, Quality: score})
	}
}

// Window returns a copy of key's rolling samples, oldest first.
func (p *Prober) Window(key string) []Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.windows[key]
	if !ok {
		return nil
	}
	out := make([]Sample, len(w.samples))
	copy(out, w.samples)
	return out
}

// Quality derives a [0,100] score from key's rolling window: average
// latency, sample-to-sample stability, and error rate. ok is false when key
// has no samples yet.
func (p *Prober) Quality(key string) (score int, ok bool) {
	samples := p.Window(key)
	if len(samples) == 0 {
		return 0, false
	}

	var okCount int
	var sum, sumSq float64
	for _, s := range samples {
		if s.Err != nil {
			continue
		}
		ms := float64(s.RTT.Milliseconds())
		sum += ms
		sumSq += ms * ms
		okCount++
	}

	errRate := float64(len(samples)-okCount) / float64(len(samples))
	if okCount == 0 {
		return 0, true
	}

	mean := sum / float64(okCount)
	variance := sumSq/float64(okCount) - mean*mean
	if variance < 0 {
		variance = 0
	}
	stddev := math.Sqrt(variance)

	latencyScore := scoreFromLatency(mean)
	stabilityScore := scoreFromStability(stddev, mean)

	combined := 0.6*latencyScore + 0.2*stabilityScore + 0.2*(1-errRate)*100
	if combined < 0 {
		combined = 0
	}
	if combined > 100 {
		combined = 100
	}
	return int(combined), true
}

// scoreFromLatency maps mean RTT to [0,100]: 0ms -> 100, >=1000ms -> 0,
// linear in between. Round-trip latency over a terminal session becomes
// perceptibly laggy well before 1s, so that is treated as the floor rather
// than modeling a long tail past it.
func scoreFromLatency(meanMs float64) float64 {
	const ceiling = 1000.0
	if meanMs >= ceiling {
		return 0
	}
	if meanMs <= 0 {
		return 100
	}
	return 100 * (1 - meanMs/ceiling)
}

// scoreFromStability penalizes jitter relative to the mean: a stddev equal
// to the mean itself (very noisy) scores 0; a stddev of 0 scores 100.
func scoreFromStability(stddevMs, meanMs float64) float64 {
	if meanMs <= 0 {
		return 100
	}
	ratio := stddevMs / meanMs
	if ratio >= 1 {
		return 0
	}
	return 100 * (1 - ratio)
}

// Shutdown stops every registered probe loop and waits for them to exit.
func (p *Prober) Shutdown() {
	p.mu.Lock()
	keys := make([]string, 0, len(p.cancelFn))
	for k := range p.cancelFn {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	for _, k := range keys {
		p.Unregister(k)
	}
	p.wg.Wait()
}
