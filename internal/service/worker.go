package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/config"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/ipc"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/logging"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/metrics"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/share"
)

// State is a worker lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateServing
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateServing:
		return "serving"
	default:
		return "stopped"
	}
}

// errStopRequested ends the errgroup when a stop command arrives or the
// command queue is closed.
var errStopRequested = errors.New("stop requested")

// Options configures a Worker.
type Options struct {
	Protocol      share.Protocol
	ListenHost    string // bind address, empty for all interfaces
	AdvertiseHost string // host put in item addresses, empty to use the request host
	BasePort      int

	Commands io.Reader // CBOR command stream
	Events   io.Writer // CBOR event stream

	ShutdownTimeout time.Duration
	DataDir         string // settings defaults
}

// Worker serves one protocol. It is a state machine
// Stopped -> Starting -> Serving -> Stopped driven by Run.
type Worker struct {
	protocol      share.Protocol
	opts          Options
	advertiseHost string

	mirror     *Mirror
	capability Capability
	settings   *config.Settings

	commands *ipc.Receiver[ipc.Command]
	events   *ipc.Sender[ipc.Event]

	state atomic.Int32
	port  atomic.Int32
}

// NewWorker creates a stopped worker.
func NewWorker(opts Options) (*Worker, error) {
	if opts.Commands == nil || opts.Events == nil {
		return nil, errors.New("worker needs command and event streams")
	}
	capability, err := NewCapability(opts.Protocol, opts.ListenHost, opts.AdvertiseHost)
	if err != nil {
		return nil, err
	}
	if opts.BasePort <= 0 {
		opts.BasePort = DefaultHTTPPort
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 3 * time.Second
	}
	return &Worker{
		protocol:      opts.Protocol,
		opts:          opts,
		advertiseHost: opts.AdvertiseHost,
		mirror:        NewMirror(),
		capability:    capability,
		settings:      config.DefaultSettings(opts.DataDir),
		commands:      ipc.NewReceiver[ipc.Command](opts.Commands),
		events:        ipc.NewSender[ipc.Event](opts.Events),
	}, nil
}

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Port returns the bound port, zero before Starting completes.
func (w *Worker) Port() int { return int(w.port.Load()) }

// Mirror exposes the worker's mirror for inspection.
func (w *Worker) Mirror() *Mirror { return w.mirror }

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	logging.Debug("worker state", logging.String("protocol", string(w.protocol)), logging.String("state", s.String()))
}

// Run binds a port and serves until ctx is done, a stop command arrives or
// the command queue is closed. In-flight requests are allowed to finish.
func (w *Worker) Run(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("worker already %s", w.State())
	}
	defer w.setState(StateStopped)

	ln, port, err := Listen(w.opts.ListenHost, w.opts.BasePort, nil)
	if err != nil {
		return err
	}
	w.port.Store(int32(port))

	srv := &http.Server{
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), w.opts.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return w.capability.Run(gctx)
	})
	g.Go(func() error {
		return w.watch(gctx)
	})

	w.setState(StateServing)
	logging.Info("worker serving",
		logging.String("protocol", string(w.protocol)),
		logging.Int("port", port))
	w.send(ipc.Event{Kind: ipc.EventReady, Port: port})

	err = g.Wait()
	w.events.Close()
	if errors.Is(err, errStopRequested) || errors.Is(err, context.Canceled) {
		err = nil
	}
	logging.Info("worker stopped", logging.String("protocol", string(w.protocol)))
	return err
}

// watch applies commands in arrival order, one at a time.
func (w *Worker) watch(ctx context.Context) error {
	cmds, errc := ipc.Stream(ctx, w.commands)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-cmds:
			if !ok {
				if err := <-errc; err != nil {
					logging.Error("command queue broken", logging.String("protocol", string(w.protocol)), logging.Err(err))
				}
				return errStopRequested
			}
			if stop := w.Apply(cmd); stop {
				return errStopRequested
			}
		}
	}
}

// Apply applies one command to the mirror and the capability. It reports
// whether the command asks the worker to stop. Add and remove are
// idempotent.
func (w *Worker) Apply(cmd ipc.Command) (stop bool) {
	metrics.RecordCommand(string(w.protocol), string(cmd.Kind))

	switch cmd.Kind {
	case ipc.KindAdd:
		if cmd.Entry == nil {
			logging.Warn("add command without entry")
			return false
		}
		e := *cmd.Entry
		if e.Protocol != w.protocol {
			logging.Warn("add command for another protocol",
				logging.String("id", e.ID), logging.String("protocol", string(e.Protocol)))
			return false
		}
		w.mirror.Add(e)
		if err := w.capability.ApplyAdd(e); err != nil {
			logging.Error("apply add", logging.String("id", e.ID), logging.Err(err))
		}
		logging.Info("share added", logging.String("id", e.ID), logging.String("path", e.TargetPath))

	case ipc.KindRemove:
		e, ok := w.mirror.Remove(cmd.ID)
		if !ok {
			return false
		}
		if err := w.capability.ApplyRemove(e); err != nil {
			logging.Error("apply remove", logging.String("id", e.ID), logging.Err(err))
		}
		logging.Info("share removed", logging.String("id", e.ID), logging.String("path", e.TargetPath))

	case ipc.KindSetting:
		w.applySetting(cmd.Key, cmd.Value)

	case ipc.KindStop:
		return true

	default:
		logging.Warn("unknown command", logging.String("kind", string(cmd.Kind)))
	}
	return false
}

func (w *Worker) applySetting(key string, value any) {
	applied, err := w.settings.Apply(key, value)
	if err != nil {
		logging.Warn("setting rejected", logging.String("key", key), logging.Err(err))
		return
	}
	if !applied {
		logging.Debug("setting ignored", logging.String("key", key))
		return
	}

	switch key {
	case config.KeySaveSystemLog, config.KeySaveSharerLog, config.KeyLogsPath:
		s := w.settings.Snapshot()
		err := logging.Reconfigure(func(c *logging.Config) {
			c.SaveSystemLog = s.SaveSystemLog
			c.SaveSharerLog = s.SaveSharerLog
			c.LogsPath = s.LogsPath
		})
		if err != nil {
			logging.Error("reconfigure logging", logging.String("key", key), logging.Err(err))
			return
		}
	}
	logging.Debug("setting applied", logging.String("key", key))
}

func (w *Worker) emit(kind ipc.EventKind, id string) {
	metrics.RecordHit(string(w.protocol))
	w.send(ipc.Event{Kind: kind, ItemID: id})
}

func (w *Worker) send(e ipc.Event) {
	if err := w.events.Send(e); err != nil && !errors.Is(err, ipc.ErrClosed) {
		logging.Warn("event queue write failed", logging.String("kind", string(e.Kind)), logging.Err(err))
	}
}
