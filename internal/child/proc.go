package child

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pratyushFilter/batchcluster/internal/protocol"
	"github.com/pratyushFilter/batchcluster/util/logging"
	"go.uber.org/zap"
)

// ExitEvent describes how a child process terminated.
type ExitEvent struct {
	// Code is the process's exit code, set only if it exited normally.
	Code *int

	// Signal is the signal that killed the process, set only if it
	// was terminated by a signal rather than exiting on its own.
	Signal *int
}

// Proc owns one spawned child process: its pipes, its line-framed
// stdout/stderr, and the signal escalation used to stop it. It knows
// nothing about tasks or the batch-cluster protocol; it is the
// os/exec-facing primitive that the cluster package builds the task
// protocol on top of.
type Proc struct {
	pid int

	cmd   *exec.Cmd
	stdin io.WriteCloser

	stdoutLines chan string
	stderrLines chan string
	pumpsDone   sync.WaitGroup

	done      chan struct{}
	doneOnce  sync.Once
	exitEvent ExitEvent

	newline protocol.Newline

	log *zap.Logger
}

// Start spawns cfg.Cmd and begins framing its stdout/stderr into
// lines per newline.
func Start(cfg StartConfig, newline protocol.Newline, log *zap.Logger) (*Proc, error) {
	cmd := exec.Command(cfg.Cmd, cfg.Args...)

	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}

	if cfg.Env != nil {
		env := append([]string{}, os.Environ()...)
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	return StartCmd(cmd, newline, log)
}

// StartCmd spawns a caller-built *exec.Cmd, the same way Start does
// once it has translated a StartConfig into one. Callers that need a
// command Start cannot express directly - such as re-exec'ing the
// test binary itself as a helper process - build their own *exec.Cmd
// and start it through here instead.
func StartCmd(cmd *exec.Cmd, newline protocol.Newline, log *zap.Logger) (*Proc, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	// run the child in its own process group, so a kill reaches any
	// grandchildren it spawns, not just the immediate process.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	p := &Proc{
		pid:         cmd.Process.Pid,
		cmd:         cmd,
		stdin:       stdin,
		stdoutLines: make(chan string, 16),
		stderrLines: make(chan string, 16),
		done:        make(chan struct{}),
		newline:     newline,
		log:         logging.NamedLogger("proc")(log).With(zap.Int("pid", cmd.Process.Pid)),
	}

	p.pumpsDone.Add(2)
	go p.pump(stdout, p.stdoutLines)
	go p.pump(stderr, p.stderrLines)
	go p.awaitExit()

	return p, nil
}

// Pid returns the OS process id. It is stable for the lifetime of
// the process, including after it has exited.
func (p *Proc) Pid() int {
	return p.pid
}

// Write sends one command line to the child's stdin, appending the
// configured newline terminator.
func (p *Proc) Write(command string) error {
	_, err := p.stdin.Write([]byte(command + p.newline.Terminator()))
	return err
}

// Stdout returns the channel of framed stdout lines. It is closed
// once the underlying pipe is exhausted.
func (p *Proc) Stdout() <-chan string {
	return p.stdoutLines
}

// Stderr returns the channel of framed stderr lines. It is closed
// once the underlying pipe is exhausted.
func (p *Proc) Stderr() <-chan string {
	return p.stderrLines
}

// Done returns a channel that is closed once the process has
// terminated. ExitEvent() is safe to read after Done() is closed.
func (p *Proc) Done() <-chan struct{} {
	return p.done
}

// ExitEvent returns how the process terminated. Only valid after
// Done() has been closed.
func (p *Proc) ExitEvent() ExitEvent {
	return p.exitEvent
}

// Terminate sends SIGTERM, then waits up to timeout for the process
// to exit. A timeout of 0 waits indefinitely; a negative timeout
// signals without waiting at all.
func (p *Proc) Terminate(timeout time.Duration) error {
	p.closeStdin()
	p.signal(syscall.SIGTERM)
	return p.waitFor(timeout)
}

// Kill sends SIGKILL and waits up to timeout for the process to exit.
func (p *Proc) Kill(timeout time.Duration) error {
	p.closeStdin()
	p.signal(syscall.SIGKILL)
	return p.waitFor(timeout)
}

func (p *Proc) closeStdin() {
	// closing stdin first means a child blocked reading a command
	// notices EOF instead of hanging forever once signalled.
	if err := p.stdin.Close(); err != nil {
		p.log.Debug("close stdin failed", zap.Error(err))
	}
}

func (p *Proc) signal(sig syscall.Signal) {
	select {
	case <-p.done:
		p.log.Debug("process already exited, signal is a no-op")
		return
	default:
	}

	log := p.log.With(zap.Stringer("signal", sig))
	log.Debug("sending signal")

	if err := p.sendSignal(sig); err != nil {
		log.Debug("signal failed", zap.Error(err))
	}
}

func (p *Proc) sendSignal(sig syscall.Signal) error {
	if pgid, err := syscall.Getpgid(p.pid); err == nil {
		// negative pid delivers the signal to the whole process group
		return syscall.Kill(-pgid, sig)
	}
	return syscall.Kill(p.pid, sig)
}

func (p *Proc) waitFor(timeout time.Duration) error {
	if timeout < 0 {
		return nil
	}

	if timeout == 0 {
		<-p.done
		return nil
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return ErrKillTimeout
	}
}

// pump reads r line by line and forwards onto ch until EOF, then
// closes ch. Read errors are treated as EOF: a broken pipe means the
// child is gone, which awaitExit will report via Done()/ExitEvent().
func (p *Proc) pump(r io.Reader, ch chan string) {
	defer p.pumpsDone.Done()
	defer close(ch)

	d := protocol.NewLineDelimiter(r, p.newline)
	for {
		line, ok, err := d.Next()
		if err != nil {
			p.log.Debug("error reading stream", zap.Error(err))
			return
		}
		if !ok {
			return
		}
		ch <- line
	}
}

func (p *Proc) awaitExit() {
	err := p.cmd.Wait()

	// let the pumps reach EOF on their own before declaring the
	// process done, so a caller reading Stdout()/Stderr() after
	// Done() closes never misses output the child had already
	// written before exiting.
	p.pumpsDone.Wait()

	evt := exitEventFromError(err)

	p.doneOnce.Do(func() {
		p.exitEvent = evt
		close(p.done)
	})
}

func exitEventFromError(err error) ExitEvent {
	if err == nil {
		code := 0
		return ExitEvent{Code: &code}
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				signo := int(status.Signal())
				return ExitEvent{Signal: &signo}
			}
			code := status.ExitStatus()
			return ExitEvent{Code: &code}
		}
	}

	// could not determine cause; report a generic failure
	code := 1
	return ExitEvent{Code: &code}
}
