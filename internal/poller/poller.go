// Package poller implements the polling driver (C10): it ticks a refresh
// callback at a cadence derived from the connection state machine's
// backoff, and gates ticking on visibility/online signals supplied by the
// embedding surface (a browser tab, a TUI focus state, …).
package poller

import (
	"context"
	"sync"
	"time"
)

const baseTickMs = 1000

// BackoffSource reports the extra delay, in milliseconds, the poller
// should add on top of its base tick — normally connstate.Machine.PollBackoffMs.
type BackoffSource func() int64

// Poller drives periodic refreshes while visible and online.
type Poller struct {
	refresh    func(ctx context.Context)
	backoff    BackoffSource
	baseTickMs int64

	mu      sync.Mutex
	visible bool
	online  bool
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPoller(refresh func(ctx context.Context), backoff BackoffSource) *Poller {
	return &Poller{refresh: refresh, backoff: backoff, visible: true, online: true, baseTickMs: baseTickMs}
}

// SetBaseTickMs overrides the base tick interval (1000ms in production);
// tests shrink it to keep the suite fast.
func (p *Poller) SetBaseTickMs(ms int64) {
	p.mu.Lock()
	p.baseTickMs = ms
	p.mu.Unlock()
}

// SetVisible toggles the visibility gate, starting or stopping the ticker
// and firing one immediate refresh on a hidden→visible transition.
func (p *Poller) SetVisible(ctx context.Context, visible bool) {
	p.mu.Lock()
	wasVisible := p.visible
	p.visible = visible
	p.mu.Unlock()
	p.onGateChanged(ctx, !wasVisible && visible)
}

// SetOnline toggles the online gate, starting or stopping the ticker and
// firing one immediate refresh on an offline→online transition.
func (p *Poller) SetOnline(ctx context.Context, online bool) {
	p.mu.Lock()
	wasOnline := p.online
	p.online = online
	p.mu.Unlock()
	p.onGateChanged(ctx, !wasOnline && online)
}

func (p *Poller) onGateChanged(ctx context.Context, justResumed bool) {
	p.mu.Lock()
	shouldRun := p.visible && p.online
	alreadyRunning := p.running
	p.mu.Unlock()

	if shouldRun && !alreadyRunning {
		p.start(ctx)
	} else if !shouldRun && alreadyRunning {
		p.stop()
	}
	if justResumed && p.refresh != nil {
		p.refresh(ctx)
	}
}

// Start begins ticking if the gates currently allow it.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	shouldRun := p.visible && p.online
	p.mu.Unlock()
	if shouldRun {
		p.start(ctx)
	}
}

func (p *Poller) start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	done := make(chan struct{})
	p.done = done
	p.mu.Unlock()

	go p.loop(runCtx, done)
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		p.mu.Lock()
		tick := p.baseTickMs
		p.mu.Unlock()
		delay := time.Duration(tick+p.currentBackoffMs()) * time.Millisecond
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.refresh(ctx)
		}
	}
}

func (p *Poller) currentBackoffMs() int64 {
	if p.backoff == nil {
		return 0
	}
	return p.backoff()
}

// Stop halts the ticker; it can be restarted with Start or a gate resume.
func (p *Poller) Stop() {
	p.stop()
}

func (p *Poller) stop() {
	p.mu.Lock()
	cancel := p.cancel
	running := p.running
	p.running = false
	p.mu.Unlock()
	if running && cancel != nil {
		cancel()
	}
}
