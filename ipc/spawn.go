package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// Environment variables handed to exec'd workers.
const (
	EnvOrigin = "MYTHCORE_WORKER_ORIGIN"
	EnvModule = "MYTHCORE_WORKER_MODULE"
	EnvIndex  = "MYTHCORE_WORKER_INDEX"
)

// Spec describes one worker to start.
type Spec struct {
	Index int
	// Module names what the worker runs, "executor" or "scheduler".
	Module string
	// Origin identifies the worker on the change bus. It changes on respawn.
	Origin string
	// Env holds extra startup options, read once by the worker.
	Env map[string]string
}

// Process is a running worker.
type Process interface {
	Conn
	// Wait blocks until the worker exits.
	Wait() error
	// Kill stops the worker.
	Kill() error
	PID() int
}

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// ExecSpawner starts workers as child processes talking newline JSON over
// their standard input and output. Standard error is inherited.
type ExecSpawner struct {
	Path string
	Args []string
}

// Spawn implements Spawner.
func (s ExecSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	path := s.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating executable: %w", err)
		}
		path = self
	}
	cmd := exec.CommandContext(ctx, path, s.Args...)
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		EnvOrigin+"="+spec.Origin,
		EnvModule+"="+spec.Module,
		EnvIndex+"="+strconv.Itoa(spec.Index),
	)
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker %s: %w", spec.Module, err)
	}
	return &execProcess{StreamConn: NewStreamConn(stdout, stdin, stdin), cmd: cmd}, nil
}

type execProcess struct {
	*StreamConn
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }
func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }
func (p *execProcess) PID() int    { return p.cmd.Process.Pid }

// PipeSpawner runs workers as goroutines of the current process, connected
// through in-memory pipes. Run is the worker body; the worker exits when it
// returns.
type PipeSpawner struct {
	Run func(ctx context.Context, spec Spec, conn Conn) error
}

// Spawn implements Spawner.
func (s PipeSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if s.Run == nil {
		return nil, errors.New("ipc: pipe spawner without a worker body")
	}
	toWorkerR, toWorkerW := io.Pipe()
	toMasterR, toMasterW := io.Pipe()
	master := NewStreamConn(toMasterR, toWorkerW, toWorkerW, toMasterR)
	worker := NewStreamConn(toWorkerR, toMasterW, toMasterW, toWorkerR)

	ctx, cancel := context.WithCancel(ctx)
	p := &pipeProcess{StreamConn: master, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer worker.Close()
		p.err = s.Run(ctx, spec, worker)
	}()
	return p, nil
}

type pipeProcess struct {
	*StreamConn
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	killOnce sync.Once
}

func (p *pipeProcess) Wait() error {
	<-p.done
	return p.err
}

// Kill cancels the worker context and cuts its pipes.
func (p *pipeProcess) Kill() error {
	p.killOnce.Do(func() {
		p.cancel()
		p.StreamConn.Close()
	})
	return nil
}

func (p *pipeProcess) PID() int { return os.Getpid() }
