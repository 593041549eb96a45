package vpn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/yllada/warp-manager/common"
)

// Command describes an external process to supervise.
type Command struct {
	// Path is the executable to run.
	Path string
	// Args are the arguments, not including the executable name.
	Args []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env is appended to the inherited environment.
	Env []string
}

// Hooks receive the output and exit of a supervised process.
// Line hooks for one stream are called sequentially; stdout and stderr
// hooks may run concurrently with each other.
type Hooks struct {
	OnStdout func(line string)
	OnStderr func(line string)
	// OnExit runs exactly once, after both output streams are drained.
	OnExit func(err error)
}

// Supervisor spawns processes and owns their lifecycle.
type Supervisor struct {
	// WaitDelay bounds how long output is drained after the process exits
	// while a descendant still holds the pipes open.
	WaitDelay time.Duration
}

// NewSupervisor creates a supervisor with default settings.
func NewSupervisor() *Supervisor {
	return &Supervisor{WaitDelay: common.ProcessWaitDelay}
}

// Process is a handle to a running supervised process.
type Process struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}

	mu         sync.Mutex
	reaped     bool
	exited     bool
	terminated bool
}

// Start spawns cmd. The process tree is killed when ctx is cancelled.
// A missing or non-executable binary and any OS spawn refusal are
// reported as common.ErrSpawnFailed.
func (s *Supervisor) Start(ctx context.Context, c Command, hooks Hooks) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrSpawnFailed, err)
	}
	if !common.FileExists(c.Path) {
		return nil, fmt.Errorf("%w: %w: %s", common.ErrSpawnFailed, common.ErrBinaryNotFound, c.Path)
	}
	if !common.IsExecutable(c.Path) {
		return nil, fmt.Errorf("%w: %s is not executable", common.ErrSpawnFailed, c.Path)
	}

	stdout := newLineWriter(hooks.OnStdout)
	stderr := newLineWriter(hooks.OnStderr)

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = s.WaitDelay
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", common.ErrSpawnFailed, c.Path, err)
	}

	p := &Process{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
	common.LogInfo("Process: started %s (pid %d)", c.Path, p.pid)

	stop := context.AfterFunc(ctx, p.Terminate)

	go func() {
		err := cmd.Wait()
		// The pid may be reused from here on
		p.mu.Lock()
		p.reaped = true
		p.mu.Unlock()
		stop()
		stdout.Flush()
		stderr.Flush()

		if errors.Is(err, exec.ErrWaitDelay) {
			common.LogWarn("Process: output of pid %d still open after exit", p.pid)
			err = nil
		}

		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()
		close(p.done)

		if err != nil {
			common.LogInfo("Process: pid %d exited: %v", p.pid, err)
		} else {
			common.LogInfo("Process: pid %d exited", p.pid)
		}

		if hooks.OnExit != nil {
			hooks.OnExit(err)
		}
	}()

	return p, nil
}

// PID returns the process id.
func (p *Process) PID() int {
	return p.pid
}

// Done is closed once the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// Terminate force-kills the process and all of its descendants.
// It does not wait; exit is observed through Hooks.OnExit or Done.
// Calling it again, or after exit, does nothing.
func (p *Process) Terminate() {
	p.mu.Lock()
	if p.reaped || p.terminated {
		p.mu.Unlock()
		return
	}
	p.terminated = true
	p.mu.Unlock()

	common.LogInfo("Process: killing process tree of pid %d", p.pid)
	if err := terminateTree(p.cmd.Process, p.pid); err != nil {
		common.LogWarn("Process: kill pid %d: %v", p.pid, err)
	}
}
