package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
)

// Environment passed from the master to every worker process.
const (
	EnvWorkerIndex = "NTLM_AUTH_WORKER_INDEX"
	EnvGeneration  = "NTLM_AUTH_GENERATION"

	// ListenerFD is the descriptor number of the shared listening socket in a worker.
	ListenerFD = 3
)

// Slot identifies a worker position in the pool of the current master generation.
type Slot struct {
	Index      int
	Generation string
}

// Process is a running worker process.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	Kill() error
	// Wait blocks until the process exits and returns its exit code,
	// -1 when it was terminated by a signal.
	Wait() (int, error)
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, slot Slot) (Process, error)
}

// ExecSpawner re-executes a binary as a worker, handing it the shared listener as fd 3.
type ExecSpawner struct {
	Path     string
	Args     []string
	Env      []string
	Listener *os.File
}

func (s *ExecSpawner) Spawn(_ context.Context, slot Slot) (Process, error) {
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(append(os.Environ(), s.Env...),
		EnvWorkerIndex+"="+strconv.Itoa(slot.Index),
		EnvGeneration+"="+slot.Generation,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if s.Listener != nil {
		// ExtraFiles[0] becomes fd 3 in the child
		cmd.ExtraFiles = []*os.File{s.Listener}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %d: %w", slot.Index, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

// SlotFromEnv reads the slot assigned by the master.
func SlotFromEnv() (Slot, error) {
	index, err := strconv.Atoi(os.Getenv(EnvWorkerIndex))
	if err != nil {
		return Slot{}, fmt.Errorf("invalid %s: %w", EnvWorkerIndex, err)
	}
	return Slot{Index: index, Generation: os.Getenv(EnvGeneration)}, nil
}

// InheritedListener returns the listening socket passed by the master.
func InheritedListener() (net.Listener, error) {
	f := os.NewFile(ListenerFD, "listener")
	if f == nil {
		return nil, fmt.Errorf("no listener on fd %d", ListenerFD)
	}
	defer f.Close()

	listener, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("fd %d is not a listening socket: %w", ListenerFD, err)
	}
	return listener, nil
}

// Listen creates the listening socket shared by the pool and its file for the workers.
func Listen(addr string) (net.Listener, *os.File, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	tcp, ok := listener.(*net.TCPListener)
	if !ok {
		_ = listener.Close()
		return nil, nil, fmt.Errorf("unexpected listener type %T", listener)
	}
	f, err := tcp.File()
	if err != nil {
		_ = listener.Close()
		return nil, nil, err
	}
	return listener, f, nil
}
