package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/logging"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/share"
)

// ExecSpawner runs each worker as a child process of the controller by
// re-executing a binary with the hidden "worker" subcommand. Commands go to
// the child's stdin and events come back on its stdout; its stderr is
// copied into the system log.
type ExecSpawner struct {
	Binary string   // defaults to the running executable
	Env    []string // extra environment, appended to os.Environ
	Args   func(p share.Protocol) []string
}

// WorkerArgs is the default argument list for a worker of protocol p.
func WorkerArgs(p share.Protocol, basePort int, advertiseHost string) []string {
	args := []string{"worker", "--protocol", string(p), "--port", strconv.Itoa(basePort)}
	if advertiseHost != "" {
		args = append(args, "--host", advertiseHost)
	}
	return args
}

func (s *ExecSpawner) Spawn(ctx context.Context, p share.Protocol) (Process, error) {
	bin := s.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate worker binary: %w", err)
		}
		bin = exe
	}
	args := []string{"worker", "--protocol", string(p)}
	if s.Args != nil {
		args = s.Args(p)
	}

	cmd := exec.Command(bin, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	configureProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// os.Pipe rather than StdoutPipe: Wait must not close the read ends
	// while the event relay and the log copy are still draining them.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, err
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, fmt.Errorf("start %s worker: %w", p, err)
	}

	proc := &execProcess{cmd: cmd, stdin: stdin, stdout: stdoutR, waitCh: make(chan struct{})}
	go func() {
		defer stderrR.Close()
		pipeLog(stderrR, p, cmd.Process.Pid)
	}()
	go func() {
		proc.waitErr = cmd.Wait()
		close(proc.waitCh)
	}()

	logging.Info("worker process started",
		logging.String("protocol", string(p)),
		logging.Int("pid", cmd.Process.Pid),
		logging.String("binary", bin))
	return proc, nil
}

func pipeLog(r io.Reader, p share.Protocol, pid int) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		logging.Info("worker log",
			logging.String("protocol", string(p)),
			logging.Int("pid", pid),
			logging.String("line", sc.Text()))
	}
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	once    sync.Once
	waitCh  chan struct{}
	waitErr error
}

func (p *execProcess) Commands() io.WriteCloser { return p.stdin }
func (p *execProcess) Events() io.Reader        { return p.stdout }
func (p *execProcess) Pid() int                 { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error {
	<-p.waitCh
	return p.waitErr
}

func (p *execProcess) Terminate() error {
	return terminateProcess(p.cmd)
}

func (p *execProcess) Kill() error {
	var err error
	p.once.Do(func() { err = killProcess(p.cmd) })
	return err
}
