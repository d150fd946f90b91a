// Package supervisor owns the service workers: at most one per protocol,
// started lazily on first use. It turns registry changes into commands on
// each worker's queue and relays the hit events workers send back.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/ipc"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/logging"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/metrics"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/share"
)

// Registry is the part of the sharing registry the supervisor needs.
type Registry interface {
	SetSharing(id string, sharing bool) error
	Active(p share.Protocol) []share.Entry
}

// errWorkerStuck is returned when a worker does not take a command off its
// queue within the send timeout. The worker is killed.
var errWorkerStuck = errors.New("worker is not reading commands")

// HitFunc receives the item id of every browse or download hit, unchanged
// and without deduplication.
type HitFunc func(p share.Protocol, itemID string)

// Options configures a Supervisor.
type Options struct {
	Spawner     Spawner
	Registry    Registry
	OnHit       HitFunc
	StopTimeout time.Duration
	// SendTimeout bounds how long a command may wait for the worker to read
	// it. Defaults to StopTimeout.
	SendTimeout time.Duration
	// Settings are replayed to every newly started worker.
	Settings map[string]any
}

// Supervisor manages the worker of each protocol.
type Supervisor struct {
	spawner     Spawner
	registry    Registry
	onHit       HitFunc
	stopTimeout time.Duration
	sendTimeout time.Duration

	mu       sync.Mutex
	workers  map[share.Protocol]*handle
	settings map[string]any
}

// handle is one running worker.
type handle struct {
	protocol share.Protocol
	proc     Process
	cmds     *ipc.Sender[ipc.Command]

	ready chan struct{} // closed on the ready event or on exit
	exit  chan struct{} // closed once the event stream has ended
	port  int           // set before ready is closed
}

func (h *handle) alive() bool {
	select {
	case <-h.exit:
		return false
	default:
		return true
	}
}

// New creates a supervisor with no running workers.
func New(opts Options) *Supervisor {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 3 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = opts.StopTimeout
	}
	settings := make(map[string]any, len(opts.Settings))
	for k, v := range opts.Settings {
		settings[k] = v
	}
	return &Supervisor{
		spawner:     opts.Spawner,
		registry:    opts.Registry,
		onHit:       opts.OnHit,
		stopTimeout: opts.StopTimeout,
		sendTimeout: opts.SendTimeout,
		workers:     make(map[share.Protocol]*handle),
		settings:    settings,
	}
}

// AddShare sends an add command for e to the worker of its protocol,
// starting the worker if none is running, and marks e as sharing at send
// time without waiting for the worker to apply it.
func (s *Supervisor) AddShare(e share.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sendLocked(e.Protocol, ipc.AddCommand(ipc.SnapshotOf(e))); err != nil {
		return fmt.Errorf("share %s over %s: %w", e.TargetPath, e.Protocol, err)
	}
	return s.registry.SetSharing(e.ID, true)
}

// RemoveShare sends a remove command for id to the worker owning its
// protocol tag and marks the entry as not sharing.
func (s *Supervisor) RemoveShare(id string) error {
	p, err := share.ProtocolFromID(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.registry.SetSharing(id, false); err != nil {
		return err
	}

	h := s.workers[p]
	if h == nil || !h.alive() {
		// A restarted worker is seeded from the registry, which no longer
		// lists id as sharing.
		if len(s.registry.Active(p)) == 0 {
			return nil
		}
		_, err := s.ensureLocked(p)
		return err
	}
	return s.sendLocked(p, ipc.RemoveCommand(id))
}

// Start starts the worker for p if it is not running.
func (s *Supervisor) Start(p share.Protocol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.ensureLocked(p)
	return err
}

// Stop stops the worker for p.
func (s *Supervisor) Stop(p share.Protocol) {
	s.mu.Lock()
	h := s.workers[p]
	delete(s.workers, p)
	s.mu.Unlock()
	if h != nil {
		s.stop(h)
	}
}

// CloseAll stops every worker and waits for them to exit, releasing their
// ports.
func (s *Supervisor) CloseAll() {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.workers))
	for p, h := range s.workers {
		handles = append(handles, h)
		delete(s.workers, p)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *handle) {
			defer wg.Done()
			s.stop(h)
		}(h)
	}
	wg.Wait()
}

// ModifySetting records a setting for future workers and sends it to every
// running worker. Workers ignore keys they do not know.
func (s *Supervisor) ModifySetting(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	for p, h := range s.workers {
		if !h.alive() {
			continue
		}
		if err := s.deliver(h, ipc.SettingCommand(key, value)); err != nil {
			logging.Warn("setting not delivered", logging.String("protocol", string(p)), logging.String("key", key), logging.Err(err))
		}
	}
}

// Running reports the protocols with a live worker, sorted.
func (s *Supervisor) Running() []share.Protocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []share.Protocol
	for p, h := range s.workers {
		if h.alive() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Port returns the port the worker for p serves on, once it has reported
// ready.
func (s *Supervisor) Port(p share.Protocol) (int, bool) {
	s.mu.Lock()
	h := s.workers[p]
	s.mu.Unlock()
	if h == nil {
		return 0, false
	}
	select {
	case <-h.ready:
		return h.port, h.port != 0
	default:
		return 0, false
	}
}

// WaitReady blocks until the worker for p has reported its port.
func (s *Supervisor) WaitReady(ctx context.Context, p share.Protocol) (int, error) {
	s.mu.Lock()
	h := s.workers[p]
	s.mu.Unlock()
	if h == nil {
		return 0, fmt.Errorf("no %s worker", p)
	}
	select {
	case <-h.ready:
		if h.port == 0 {
			return 0, fmt.Errorf("%s worker exited before serving", p)
		}
		return h.port, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// sendLocked delivers cmd to the worker of p. A missing or dead worker is
// restarted first; a send that fails on a broken queue restarts the worker
// once and retries.
func (s *Supervisor) sendLocked(p share.Protocol, cmd ipc.Command) error {
	h, err := s.ensureLocked(p)
	if err != nil {
		return err
	}
	metrics.RecordCommand(string(p), string(cmd.Kind))
	err = s.deliver(h, cmd)
	if err == nil {
		return nil
	}
	logging.Warn("command queue broken, restarting worker",
		logging.String("protocol", string(p)),
		logging.String("kind", string(cmd.Kind)),
		logging.Err(err))

	delete(s.workers, p)
	go s.stop(h)
	h, err = s.ensureLocked(p)
	if err != nil {
		return err
	}
	return s.deliver(h, cmd)
}

// deliver sends cmd to h, giving up after the send timeout. A worker that
// does not drain its queue in time is killed so the blocked write fails and
// the next command restarts it.
func (s *Supervisor) deliver(h *handle, cmd ipc.Command) error {
	errc := make(chan error, 1)
	go func() { errc <- h.cmds.Send(cmd) }()

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case err := <-errc:
		return err
	case <-timer.C:
		logging.Error("worker not reading commands, killing",
			logging.String("protocol", string(h.protocol)),
			logging.Int("pid", h.proc.Pid()),
			logging.String("kind", string(cmd.Kind)))
		h.proc.Kill()
		return errWorkerStuck
	}
}

// ensureLocked returns the live worker for p, spawning it and seeding it
// with the settings and the active entries of p when needed.
func (s *Supervisor) ensureLocked(p share.Protocol) (*handle, error) {
	if h := s.workers[p]; h != nil {
		if h.alive() {
			return h, nil
		}
		delete(s.workers, p)
		logging.Warn("worker gone, restarting", logging.String("protocol", string(p)))
	}
	if s.spawner == nil {
		return nil, errors.New("no worker spawner configured")
	}

	proc, err := s.spawner.Spawn(context.Background(), p)
	if err != nil {
		return nil, fmt.Errorf("start %s worker: %w", p, err)
	}
	h := &handle{
		protocol: p,
		proc:     proc,
		cmds:     ipc.NewSender[ipc.Command](proc.Commands()),
		ready:    make(chan struct{}),
		exit:     make(chan struct{}),
	}
	go s.relay(h)
	go func() {
		err := proc.Wait()
		if err != nil {
			logging.Warn("worker exited", logging.String("protocol", string(p)), logging.Int("pid", proc.Pid()), logging.Err(err))
		}
	}()

	s.workers[p] = h
	metrics.RecordWorkerStart(string(p))
	metrics.SetWorkerActive(string(p), true)

	keys := make([]string, 0, len(s.settings))
	for k := range s.settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	seed := make([]ipc.Command, 0, len(keys))
	for _, k := range keys {
		seed = append(seed, ipc.SettingCommand(k, s.settings[k]))
	}
	active := s.registry.Active(p)
	for _, e := range active {
		seed = append(seed, ipc.AddCommand(ipc.SnapshotOf(e)))
	}
	for _, cmd := range seed {
		if err := s.deliver(h, cmd); err != nil {
			delete(s.workers, p)
			go s.stop(h)
			return nil, fmt.Errorf("seed %s worker: %w", p, err)
		}
	}
	logging.Info("worker started",
		logging.String("protocol", string(p)),
		logging.Int("pid", proc.Pid()),
		logging.Int("replayed", len(active)))
	return h, nil
}

// relay consumes the worker's event queue until it ends.
func (s *Supervisor) relay(h *handle) {
	events := ipc.NewReceiver[ipc.Event](h.proc.Events())
	readyOnce := sync.Once{}
	markReady := func() { readyOnce.Do(func() { close(h.ready) }) }

	defer func() {
		markReady()
		close(h.exit)
		if c, ok := h.proc.Events().(io.Closer); ok {
			c.Close()
		}
		metrics.SetWorkerActive(string(h.protocol), false)
	}()

	for {
		e, err := events.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logging.Error("event queue broken", logging.String("protocol", string(h.protocol)), logging.Err(err))
			}
			return
		}
		switch {
		case e.Kind == ipc.EventReady:
			h.port = e.Port
			markReady()
			logging.Info("worker ready", logging.String("protocol", string(h.protocol)), logging.Int("port", e.Port))
		case e.IsHit():
			metrics.RecordHit(string(h.protocol))
			if s.onHit != nil {
				s.onHit(h.protocol, e.ItemID)
			}
		default:
			logging.Debug("unknown worker event", logging.String("kind", string(e.Kind)))
		}
	}
}

// stop asks the worker to exit and escalates to a kill after the stop
// timeout. It returns once the worker's event stream has ended. The stop
// command is sent in the background: a worker that is not reading its queue
// would otherwise hold the sender forever.
func (s *Supervisor) stop(h *handle) {
	alive := h.alive()
	go func() {
		if alive {
			if err := h.cmds.Send(ipc.StopCommand()); err != nil {
				h.proc.Terminate()
			}
		}
		h.cmds.Close()
	}()

	select {
	case <-h.exit:
	case <-time.After(s.stopTimeout):
		logging.Warn("worker did not stop in time, killing",
			logging.String("protocol", string(h.protocol)),
			logging.Int("pid", h.proc.Pid()))
		h.proc.Kill()
		select {
		case <-h.exit:
		case <-time.After(2 * time.Second):
		}
	}
	reaped := make(chan struct{})
	go func() {
		h.proc.Wait()
		close(reaped)
	}()
	select {
	case <-reaped:
		logging.Info("worker stopped", logging.String("protocol", string(h.protocol)))
	case <-time.After(2 * time.Second):
		logging.Warn("worker not reaped", logging.String("protocol", string(h.protocol)), logging.Int("pid", h.proc.Pid()))
	}
}
