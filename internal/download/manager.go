package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/logging"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/share"
)

// Options configures a Manager.
type Options struct {
	Timeout  time.Duration // per item, zero for none
	OnStatus StatusFunc
	// Transfers overrides the transfer used per protocol.
	Transfers map[share.Protocol]Transfer
}

// Manager owns one pipeline per protocol, created on the first download of
// that protocol.
type Manager struct {
	opts Options

	mu        sync.Mutex
	pipelines map[share.Protocol]*Pipeline
	stopped   bool
}

// NewManager creates a manager with no pipelines.
func NewManager(opts Options) *Manager {
	if opts.Transfers == nil {
		opts.Transfers = make(map[share.Protocol]Transfer)
	}
	client := NewHTTPClient(0)
	if _, ok := opts.Transfers[share.HTTP]; !ok {
		opts.Transfers[share.HTTP] = &HTTPTransfer{Client: client}
	}
	if _, ok := opts.Transfers[share.FTP]; !ok {
		opts.Transfers[share.FTP] = &FTPTransfer{Client: client}
	}
	return &Manager{
		opts:      opts,
		pipelines: make(map[share.Protocol]*Pipeline),
	}
}

// Submit creates the batch's directories and queues its items on the
// pipeline of its protocol.
func (m *Manager) Submit(b Batch) error {
	p, err := m.pipeline(b.Protocol)
	if err != nil {
		return err
	}
	for _, d := range b.Dirs {
		dir := filepath.Join(b.Root, filepath.FromSlash(d))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	logging.Info("download batch queued",
		logging.String("batch", b.ID),
		logging.String("protocol", string(b.Protocol)),
		logging.Int("items", len(b.Items)))
	return p.Submit(b.Items)
}

// Pipeline returns the pipeline of p if it has been created.
func (m *Manager) Pipeline(p share.Protocol) (*Pipeline, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pl, ok := m.pipelines[p]
	return pl, ok
}

func (m *Manager) pipeline(p share.Protocol) (*Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrStopped
	}
	if pl, ok := m.pipelines[p]; ok {
		return pl, nil
	}
	t, ok := m.opts.Transfers[p]
	if !ok {
		return nil, fmt.Errorf("no transfer for protocol %s", p)
	}
	pl := NewPipeline(p, t, m.opts.OnStatus, m.opts.Timeout)
	m.pipelines[p] = pl
	return pl, nil
}

// Wait blocks until every pipeline is idle.
func (m *Manager) Wait(ctx context.Context) error {
	return m.each(func(pl *Pipeline) error { return pl.Wait(ctx) })
}

// Stop stops every pipeline after its current item.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	return m.each(func(pl *Pipeline) error { return pl.Stop(ctx) })
}

func (m *Manager) each(fn func(*Pipeline) error) error {
	m.mu.Lock()
	pls := make([]*Pipeline, 0, len(m.pipelines))
	for _, pl := range m.pipelines {
		pls = append(pls, pl)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, pl := range pls {
		g.Go(func() error { return fn(pl) })
	}
	return g.Wait()
}
