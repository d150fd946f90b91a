package download

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/logging"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/metrics"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/share"
)

// ErrStopped is returned when submitting to a stopped pipeline.
var ErrStopped = errors.New("download pipeline stopped")

// Pipeline downloads the items of one protocol strictly in submission
// order, one at a time. A drain goroutine is started on the first
// submission and exits when the queue is empty; items submitted while it
// runs are appended to its queue. Failed items are never retried.
type Pipeline struct {
	protocol share.Protocol
	transfer Transfer
	notify   StatusFunc
	timeout  time.Duration

	mu      sync.Mutex
	pending []Item
	running bool
	stopped bool
	idle    chan struct{} // closed when the current drain ends
	drains  int
}

// NewPipeline creates an idle pipeline.
func NewPipeline(p share.Protocol, t Transfer, notify StatusFunc, timeout time.Duration) *Pipeline {
	idle := make(chan struct{})
	close(idle)
	return &Pipeline{
		protocol: p,
		transfer: t,
		notify:   notify,
		timeout:  timeout,
		idle:     idle,
	}
}

// Submit queues items behind anything already pending and starts draining
// if the pipeline is idle.
func (p *Pipeline) Submit(items []Item) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}

	for _, it := range items {
		it.Status = StatusQueued
		it.Reason = ""
		p.pending = append(p.pending, it)
		p.emit(it, StatusQueued)
	}
	metrics.SetDownloadQueueDepth(string(p.protocol), len(p.pending))

	if !p.running && len(p.pending) > 0 {
		p.running = true
		p.drains++
		p.idle = make(chan struct{})
		go p.drain(p.idle)
	}
	return nil
}

// Pending returns the number of items waiting behind the current one.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Busy reports whether an item is being transferred or waiting.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Drains returns how many drain goroutines have been started.
func (p *Pipeline) Drains() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drains
}

// Wait blocks until the pipeline is idle or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop lets the current item finish, fails everything still queued and
// waits for the drain goroutine to exit.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	dropped := p.pending
	p.pending = nil
	idle := p.idle
	for _, it := range dropped {
		it.Status = StatusFailed
		it.Reason = "download stopped"
		p.emit(it, StatusFailed)
	}
	metrics.SetDownloadQueueDepth(string(p.protocol), 0)
	p.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) drain(idle chan struct{}) {
	defer close(idle)
	for {
		p.mu.Lock()
		if len(p.pending) == 0 {
			p.running = false
			p.mu.Unlock()
			return
		}
		it := p.pending[0]
		p.pending = p.pending[1:]
		metrics.SetDownloadQueueDepth(string(p.protocol), len(p.pending))
		p.mu.Unlock()

		p.process(it)
	}
}

func (p *Pipeline) process(it Item) {
	it.Status = StatusDownloading
	p.emit(it, StatusDownloading)

	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	n, err := p.transfer.Transfer(ctx, it)
	if err != nil {
		it.Status = StatusFailed
		it.Reason = err.Error()
		metrics.RecordDownloadItem(string(p.protocol), string(StatusFailed), 0)
		logging.Warn("download failed",
			logging.String("batch", it.BatchID),
			logging.String("path", it.RelativePath),
			logging.String("source", it.Source),
			logging.Err(err))
		p.emit(it, StatusFailed)
		return
	}

	it.Status = StatusSucceeded
	metrics.RecordDownloadItem(string(p.protocol), string(StatusSucceeded), n)
	logging.Info("download finished",
		logging.String("batch", it.BatchID),
		logging.String("path", it.RelativePath),
		logging.Int64("bytes", n),
		logging.Duration("took", time.Since(start)))
	p.emit(it, StatusSucceeded)
}

func (p *Pipeline) emit(it Item, s Status) {
	if p.notify != nil {
		p.notify(it, s, it.BatchID)
	}
}
