package supervisor

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/service"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/share"
)

// InProcessSpawner runs workers as goroutines joined to the controller by
// in-memory pipes. The wire format is the same CBOR stream used between
// processes.
type InProcessSpawner struct {
	// Options is the template for every worker; Protocol and the streams
	// are filled in per spawn.
	Options service.Options

	spawned atomic.Int32
}

// Spawned returns how many workers have been started.
func (s *InProcessSpawner) Spawned() int { return int(s.spawned.Load()) }

func (s *InProcessSpawner) Spawn(ctx context.Context, p share.Protocol) (Process, error) {
	cmdR, cmdW := io.Pipe()
	evR, evW := io.Pipe()

	opts := s.Options
	opts.Protocol = p
	opts.Commands = cmdR
	opts.Events = evW
	w, err := service.NewWorker(opts)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	proc := &inProcess{
		worker:  w,
		cmdW:    cmdW,
		cmdR:    cmdR,
		evR:     evR,
		evW:     evW,
		cancel:  cancel,
		waitCh:  make(chan struct{}),
		pid:     int(s.spawned.Add(1)),
	}
	go func() {
		proc.waitErr = w.Run(runCtx)
		// A dead worker closes both of its pipe ends.
		evW.Close()
		cmdR.Close()
		close(proc.waitCh)
	}()
	return proc, nil
}

type inProcess struct {
	worker *service.Worker
	cmdW   *io.PipeWriter
	cmdR   *io.PipeReader
	evR    *io.PipeReader
	evW    *io.PipeWriter
	cancel context.CancelFunc
	pid    int

	waitCh  chan struct{}
	waitErr error
}

func (p *inProcess) Commands() io.WriteCloser { return p.cmdW }
func (p *inProcess) Events() io.Reader        { return p.evR }
func (p *inProcess) Pid() int                 { return p.pid }

func (p *inProcess) Wait() error {
	<-p.waitCh
	return p.waitErr
}

// Worker exposes the running worker to tests.
func (p *inProcess) Worker() *service.Worker { return p.worker }

func (p *inProcess) Terminate() error {
	p.cancel()
	return nil
}

// Kill cancels the worker and cuts both of its queues, as the death of a
// child process would, even if the worker goroutines are wedged.
func (p *inProcess) Kill() error {
	p.cancel()
	p.cmdR.Close()
	p.evW.Close()
	return nil
}
