package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"live-detect/ipc"
)

// LaunchSpec is everything a worker needs to know about its session.
type LaunchSpec struct {
	SessionID  string
	CreatedAt  time.Time
	SignalPath string
	DeviceID   string
}

// WorkerProcess is a running worker as seen from the supervisor.
type WorkerProcess interface {
	// Results is the worker's result stream.
	Results() *ipc.ResultQueue
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	// ExitErr is nil for a clean exit. Valid after Done.
	ExitErr() error
	// Kill terminates the worker immediately.
	Kill() error
	Pid() int
}

// Launcher starts detection workers.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (WorkerProcess, error)
}

// ResultFD is the descriptor number results are written to in the worker.
const ResultFD = 3

// ProcessLauncher runs each worker as a child process of the same binary,
// invoked with the "worker" subcommand. Results travel over an inherited
// pipe on ResultFD; the child's stdout and stderr are forwarded to stderr.
type ProcessLauncher struct {
	Executable   string
	ResultBuffer int
	// ExtraArgs are appended to every worker command line.
	ExtraArgs []string
}

// NewProcessLauncher re-executes the current binary.
func NewProcessLauncher(resultBuffer int) (*ProcessLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("supervisor: locate executable: %w", err)
	}
	return &ProcessLauncher{Executable: exe, ResultBuffer: resultBuffer}, nil
}

// WorkerArgs is the worker command line for spec.
func WorkerArgs(spec LaunchSpec) []string {
	args := []string{
		"worker",
		"-session", spec.SessionID,
		"-signal", spec.SignalPath,
		"-created", spec.CreatedAt.UTC().Format(time.RFC3339Nano),
		"-result-fd", strconv.Itoa(ResultFD),
	}
	if spec.DeviceID != "" {
		args = append(args, "-device", spec.DeviceID)
	}
	return args
}

func (l *ProcessLauncher) Launch(_ context.Context, spec LaunchSpec) (WorkerProcess, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: result pipe: %w", err)
	}

	// The worker outlives the request that started it, so it is not bound
	// to the caller's context.
	cmd := exec.Command(l.Executable, append(WorkerArgs(spec), l.ExtraArgs...)...)
	cmd.ExtraFiles = []*os.File{pw}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "LOG_OUTPUT=stderr")
	// The worker leads its own process group so Kill also reaches the
	// ffmpeg processes it spawns.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("supervisor: start worker: %w", err)
	}
	pw.Close()

	p := &osProcess{
		cmd:     cmd,
		results: ipc.NewResultQueue(pr, l.ResultBuffer),
		done:    make(chan struct{}),
	}
	go func() {
		p.exitErr = cmd.Wait()
		close(p.done)
	}()
	go func() {
		// A grandchild that inherited the pipe could hold it open after
		// the worker is gone; stop waiting for EOF shortly after exit.
		<-p.done
		select {
		case <-p.results.Done():
		case <-time.After(time.Second):
		}
		pr.Close()
	}()
	return p, nil
}

type osProcess struct {
	cmd     *exec.Cmd
	results *ipc.ResultQueue
	done    chan struct{}
	exitErr error
}

func (p *osProcess) Results() *ipc.ResultQueue { return p.results }
func (p *osProcess) Done() <-chan struct{}     { return p.done }
func (p *osProcess) Pid() int                  { return p.cmd.Process.Pid }

func (p *osProcess) ExitErr() error {
	<-p.done
	return p.exitErr
}

// Kill sends SIGKILL to the worker's whole process group.
func (p *osProcess) Kill() error {
	err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return p.cmd.Process.Kill()
	}
	return err
}
