package perf

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"ocppsim/session"
)

var ErrAlreadyRunning = errors.New("load test already running")

// Config for one load run.
type Config struct {
	URL           string
	Concurrency   int
	RampInterval  time.Duration
	MeterInterval time.Duration
	HoldDuration  time.Duration
	CallTimeout   time.Duration

	// LatencyWindow bounds the rolling StartTransaction latency sample;
	// older samples are evicted. <=0 means 100.
	LatencyWindow int

	Dial session.Dialer
	Tap  session.Tap
}

// Status is a point-in-time snapshot of the pool's aggregates.
type Status struct {
	Running           bool    `json:"running"`
	Total             int     `json:"total"`
	Spawned           int     `json:"spawned"`
	Active            int     `json:"active"`
	Finished          int     `json:"finished"`
	Errored           int     `json:"errored"`
	Messages          int64   `json:"messages"`
	AvgStartLatencyMs float64 `json:"avgStartLatencyMs"`
}

// Pool admits sessions from a fleet cursor under a concurrency cap, one
// ramp tick at a time, and aggregates their outcomes. The run is complete
// when the cursor is exhausted and no session remains non-terminal.
type Pool struct {
	cfg     Config
	metrics *Metrics

	mu        sync.Mutex
	specs     []SessionSpec
	cursor    int
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	spawned   int
	active    int
	finished  int
	errored   int
	messages  int64
	latencies []time.Duration
}

func NewPool(cfg Config, metrics *Metrics) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.RampInterval <= 0 {
		cfg.RampInterval = 500 * time.Millisecond
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = 100
	}
	if cfg.Dial == nil {
		cfg.Dial = session.DialWebSocket
	}
	return &Pool{cfg: cfg, metrics: metrics}
}

// Start begins admitting sessions from the given fleet. It returns
// immediately; Wait blocks until the run completes.
func (p *Pool) Start(ctx context.Context, specs []SessionSpec) error {
	if len(specs) == 0 {
		return fmt.Errorf("fleet is empty")
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	p.specs = specs
	p.cursor = 0
	p.spawned, p.active, p.finished, p.errored = 0, 0, 0, 0
	p.messages = 0
	p.latencies = nil
	p.mu.Unlock()

	log.Printf("load pool started: %d sessions, concurrency %d, ramp %v",
		len(specs), p.cfg.Concurrency, p.cfg.RampInterval)

	go p.run(runCtx)
	return nil
}

// Stop cancels the run; in-flight sessions observe the cancellation.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the current run completes. Safe to call when no run is
// active.
func (p *Pool) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (p *Pool) run(ctx context.Context) {
	var wg sync.WaitGroup
	ticker := time.NewTicker(p.cfg.RampInterval)
	defer ticker.Stop()

	p.admit(ctx, &wg)
	for {
		p.mu.Lock()
		exhausted := p.cursor >= len(p.specs)
		p.mu.Unlock()
		if exhausted || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
			p.admit(ctx, &wg)
		}
	}

	wg.Wait()

	p.mu.Lock()
	p.running = false
	p.cancel = nil
	done := p.done
	p.done = nil
	finished, errored := p.finished, p.errored
	p.mu.Unlock()
	close(done)

	log.Printf("load pool complete: %d finished, %d errored", finished, errored)
}

// admit spawns sessions while the number in a non-terminal state is below
// the concurrency cap, advancing the fleet cursor.
func (p *Pool) admit(ctx context.Context, wg *sync.WaitGroup) {
	for {
		p.mu.Lock()
		if ctx.Err() != nil || p.cursor >= len(p.specs) || p.active >= p.cfg.Concurrency {
			p.mu.Unlock()
			return
		}
		spec := p.specs[p.cursor]
		p.cursor++
		p.spawned++
		p.active++
		p.mu.Unlock()

		if p.metrics != nil {
			p.metrics.Spawned.Inc()
			p.metrics.Active.Inc()
		}

		wg.Add(1)
		go func(spec SessionSpec) {
			defer wg.Done()
			p.runOne(ctx, spec)
		}(spec)
	}
}

func (p *Pool) runOne(ctx context.Context, spec SessionSpec) {
	sess := session.New(session.Config{
		URL:           p.cfg.URL,
		ChargePointID: spec.ChargePointID,
		IdTag:         spec.IdTag,
		CallTimeout:   p.cfg.CallTimeout,
		MeterInterval: p.cfg.MeterInterval,
		HoldDuration:  p.cfg.HoldDuration,
		Dial:          p.cfg.Dial,
		Tap:           p.cfg.Tap,
	})

	err := sess.Drive(ctx)
	_, _, startMs, _, messages := sess.Metrics.Snapshot()

	p.mu.Lock()
	p.active--
	p.messages += messages
	if err != nil {
		p.errored++
	} else {
		p.finished++
		p.latencies = append(p.latencies, time.Duration(startMs)*time.Millisecond)
		if len(p.latencies) > p.cfg.LatencyWindow {
			p.latencies = p.latencies[len(p.latencies)-p.cfg.LatencyWindow:]
		}
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.Active.Dec()
		p.metrics.Messages.Add(float64(messages))
		if err != nil {
			p.metrics.Errored.Inc()
		} else {
			p.metrics.Finished.Inc()
			p.metrics.StartLatency.Observe(float64(startMs) / 1000)
		}
	}

	if err != nil && ctx.Err() == nil {
		log.Printf("[%s] load session failed: %v", spec.ChargePointID, err)
	}
}

// Status snapshots the pool's aggregates, including the rolling average
// StartTransaction latency over the bounded window.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	var avg float64
	if len(p.latencies) > 0 {
		var sum time.Duration
		for _, d := range p.latencies {
			sum += d
		}
		avg = float64(sum.Milliseconds()) / float64(len(p.latencies))
	}

	return Status{
		Running:           p.running,
		Total:             len(p.specs),
		Spawned:           p.spawned,
		Active:            p.active,
		Finished:          p.finished,
		Errored:           p.errored,
		Messages:          p.messages,
		AvgStartLatencyMs: avg,
	}
}
