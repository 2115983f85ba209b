// Package backpressure implements the session substrate's back-pressure
// controller (C9): self-process memory/CPU sampling mapped to a pressure
// state, stream admission against that state, and global concurrency/queue
// caps.
//
// CPU/memory sampling is grounded on the
// internal/supervisor/resources.go two-sample /proc/<pid>/stat technique,
// adapted from sampling other processes (a pidSet passed in) to sampling
// this process's own pid (os.Getpid()). RSS is read from /proc/<pid>/status
// rather than by shelling out to ps, since sampling only ever needs this
// process's own memory.
package backpressure

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/websoft9/termsub/internal/substraterr"
)

// Pressure is the controller's current admission state.
type Pressure int

const (
	Low Pressure = iota
	Normal
	Medium
	High
	Critical
)

func (p Pressure) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Priority mirrors sftpqueue's priority for streams requesting admission.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Config carries C9's tunables.
type Config struct {
	MemoryCapBytes       int64         // default 256 MiB
	MemoryCutoffPct      float64       // default 0.80
	CPUCutoffPct         float64       // default 0.90
	SampleInterval       time.Duration // default 1s
	MaxConcurrentStreams int           // default 10
	MaxQueueSize         int           // default 100
	HighPressurePause    time.Duration // default 5s
}

func defaultConfig(cfg Config) Config {
	if cfg.MemoryCapBytes <= 0 {
		cfg.MemoryCapBytes = 256 << 20
	}
	if cfg.MemoryCutoffPct <= 0 {
		cfg.MemoryCutoffPct = 0.80
	}
	if cfg.CPUCutoffPct <= 0 {
		cfg.CPUCutoffPct = 0.90
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	if cfg.MaxConcurrentStreams <= 0 {
		cfg.MaxConcurrentStreams = 10
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.HighPressurePause <= 0 {
		cfg.HighPressurePause = 5 * time.Second
	}
	return cfg
}

// Sample is one 1s reading.
type Sample struct {
	MemoryBytes int64
	MemoryPct   float64
	CPUPct      float64
}

// StreamController is handed back to a caller whose requestStream was
// admitted. Release must be called exactly once, freeing the concurrent
// stream slot.
type StreamController struct {
	ThrottleDelay time.Duration // suggested delay before the first chunk
	ThrottlePct   float64       // sustained throttle the caller should apply, 0 if none

	ctrl    *Controller
	release sync.Once
}

// Release frees the concurrent-stream slot this controller was holding.
func (s *StreamController) Release() {
	s.release.Do(func() {
		s.ctrl.releaseSlot()
	})
}

// Controller samples this process's resource usage every SampleInterval,
// derives a Pressure state, and arbitrates stream admission against it.
type Controller struct {
	cfg Config
	log zerolog.Logger
	pid int

	mu       sync.Mutex
	pressure Pressure
	lastSamp Sample
	active   int
	queued   int
	waiters  []chan struct{}
	throttle float64 // global EWMA throttle factor, 0..1

	prevProcTicks float64
	prevSysTicks  float64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewController(cfg Config, log zerolog.Logger) *Controller {
	c := &Controller{
		cfg:      defaultConfig(cfg),
		log:      log.With().Str("component", "backpressure").Logger(),
		pid:      os.Getpid(),
		pressure: Normal,
		stopCh:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.sampleLoop()
	return c
}

func (c *Controller) sampleLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Controller) tick() {
	samp := c.sample()
	pressure := c.classify(samp)

	c.mu.Lock()
	c.lastSamp = samp
	c.pressure = pressure
	c.adjustThrottleLocked(pressure)
	c.mu.Unlock()

	c.log.Debug().
		Float64("memPct", samp.MemoryPct).
		Float64("cpuPct", samp.CPUPct).
		Str("pressure", pressure.String()).
		Msg("sampled resource pressure")
}

// sample reads this process's RSS and a two-sample CPU delta against the
// previous tick, so each tick costs one /proc read rather than the
// teacher's 200ms blocking two-sample window (unsuitable for a 1s loop).
func (c *Controller) sample() Sample {
	rss := readRSS(c.pid)
	memPct := float64(rss) / float64(c.cfg.MemoryCapBytes)

	procTicks := readProcTicks(c.pid)
	sysTicks := readSystemTicks()

	var cpuPct float64
	c.mu.Lock()
	deltaProc := procTicks - c.prevProcTicks
	deltaSys := sysTicks - c.prevSysTicks
	c.prevProcTicks = procTicks
	c.prevSysTicks = sysTicks
	c.mu.Unlock()

	if deltaSys > 0 {
		cpuPct = (deltaProc / deltaSys) * float64(runtime.NumCPU())
		if cpuPct < 0 {
			cpuPct = 0
		}
		if cpuPct > float64(runtime.NumCPU()) {
			cpuPct = float64(runtime.NumCPU())
		}
	}

	return Sample{MemoryBytes: rss, MemoryPct: memPct, CPUPct: cpuPct}
}

// memoryHardCeilingPct is a fixed emergency brake, independent of the
// configured (tunable) MemoryCutoffPct: sustained memory alone past this
// point reaches Critical even with CPU idle, since an OOM kill doesn't wait
// for CPU to also be busy.
const memoryHardCeilingPct = 0.95

// classify maps a sample to a pressure state using the configured cutoffs.
func (c *Controller) classify(s Sample) Pressure {
	memCutoff := c.cfg.MemoryCutoffPct
	cpuCutoff := c.cfg.CPUCutoffPct

	switch {
	case s.MemoryPct >= memoryHardCeilingPct:
		return Critical
	case s.MemoryPct >= memCutoff && s.CPUPct >= cpuCutoff:
		return Critical
	case s.MemoryPct >= memCutoff || s.CPUPct >= cpuCutoff:
		return High
	case s.MemoryPct >= memCutoff*0.75 || s.CPUPct >= cpuCutoff*0.75:
		return Medium
	case s.MemoryPct >= memCutoff*0.5 || s.CPUPct >= cpuCutoff*0.5:
		return Normal
	default:
		return Low
	}
}

// adjustThrottleLocked grows the global EWMA throttle on sustained low
// pressure and shrinks it on high pressure. Caller holds c.mu.
func (c *Controller) adjustThrottleLocked(p Pressure) {
	const alpha = 0.3
	var target float64
	switch p {
	case Low, Normal:
		target = 0
	case Medium:
		target = 0.3
	case High:
		target = 0.7
	case Critical:
		target = 1.0
	}
	c.throttle = alpha*target + (1-alpha)*c.throttle
}

// Pressure returns the most recently computed pressure state.
func (c *Controller) Pressure() Pressure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pressure
}

// LastSample returns the most recent resource sample.
func (c *Controller) LastSample() Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSamp
}

// RequestStream arbitrates admission for a new stream:
//   - low|normal: allow immediately.
//   - medium: allow with a throttle delay proportional to the current
//     global throttle factor.
//   - high: priority high|critical allowed with a 30% throttle; everyone
//     else pauses up to HighPressurePause, then is allowed.
//   - critical: rejected with Overloaded.
//
// Admission also enforces the global concurrent-stream and queue-size caps
// regardless of pressure.
func (c *Controller) RequestStream(priority Priority) (*StreamController, error) {
	if err := c.acquireSlot(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	pressure := c.pressure
	throttleFactor := c.throttle
	c.mu.Unlock()

	switch pressure {
	case Low, Normal:
		return &StreamController{ctrl: c}, nil
	case Medium:
		delay := time.Duration(throttleFactor * float64(time.Second))
		return &StreamController{ThrottleDelay: delay, ThrottlePct: throttleFactor, ctrl: c}, nil
	case High:
		if priority == PriorityHigh || priority == PriorityCritical {
			return &StreamController{ThrottlePct: 0.30, ctrl: c}, nil
		}
		time.Sleep(c.cfg.HighPressurePause)
		return &StreamController{ThrottlePct: 0.30, ctrl: c}, nil
	case Critical:
		c.releaseSlot()
		return nil, substraterr.New(substraterr.Overloaded, "backpressure: system under critical pressure")
	default:
		return &StreamController{ctrl: c}, nil
	}
}

// acquireSlot reserves a concurrent-stream slot, blocking on a FIFO waiter
// if the cap is currently saturated (grounded on connpool's per-host
// waiter queue), and rejecting with QueueFull once the waiter queue itself
// is saturated.
func (c *Controller) acquireSlot() error {
	c.mu.Lock()
	if c.active < c.cfg.MaxConcurrentStreams {
		c.active++
		c.mu.Unlock()
		return nil
	}
	if c.queued >= c.cfg.MaxQueueSize {
		c.mu.Unlock()
		return substraterr.New(substraterr.QueueFull, "backpressure: queue is full")
	}
	c.queued++
	ch := make(chan struct{})
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	<-ch // releaseSlot hands the freed slot directly to the oldest waiter
	return nil
}

// releaseSlot frees a reserved slot, handing it directly to the oldest
// queued waiter (if any) rather than decrementing active, so the two never
// race against a concurrent acquireSlot.
func (c *Controller) releaseSlot() {
	c.mu.Lock()
	if len(c.waiters) > 0 {
		ch := c.waiters[0]
		c.waiters = c.waiters[1:]
		c.queued--
		c.mu.Unlock()
		close(ch)
		return
	}
	c.active--
	c.mu.Unlock()
}

// Shutdown stops the sampling loop.
func (c *Controller) Shutdown() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// readProcTicks reads utime+stime from /proc/<pid>/stat, grounded on the
// teacher's readProcTicks.
func readProcTicks(pid int) float64 {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0
	}
	s := string(data)
	idx := strings.LastIndex(s, ")")
	if idx < 0 || idx+2 >= len(s) {
		return 0
	}
	fields := strings.Fields(s[idx+2:])
	if len(fields) < 13 {
		return 0
	}
	utime, _ := strconv.ParseFloat(fields[11], 64)
	stime, _ := strconv.ParseFloat(fields[12], 64)
	return utime + stime
}

// readSystemTicks reads the total CPU ticks from /proc/stat's first "cpu"
// line, grounded on the readSystemTicks.
func readSystemTicks() float64 {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0
	}
	lines := strings.SplitN(string(data), "\n", 2)
	if len(lines) == 0 {
		return 0
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0
	}
	var total float64
	for _, f := range fields[1:] {
		v, _ := strconv.ParseFloat(f, 64)
		total += v
	}
	return total
}

// readRSS reads this process's resident set size from /proc/<pid>/status.
// Unlike the readRSSMap, which shells out to ps for an arbitrary
// pid set, a single self-sample can read its own RSS directly from the
// kernel's VmRSS field without spawning a process.
func readRSS(pid int) int64 {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, _ := strconv.ParseInt(fields[1], 10, 64)
		return kb * 1024
	}
	return 0
}
