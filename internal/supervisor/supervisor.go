// Package supervisor spawns and manages the coding-CLI child process
// for each session: streaming stdout/stderr, enforcing timeouts, and
// escalating cooperative to forced termination.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/wingthing-broker/agent/internal/logger"
)

// State is a point in an Execution's lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimeout   State = "timeout"
	StateCancelled State = "cancelled"
)

const (
	defaultTimeout = 30 * time.Second
	maxTimeout     = 2 * time.Hour
	terminateGrace = 2 * time.Second
	maxHistory     = 50
)

// OutputChunk is one slice of stdout/stderr bytes as the OS delivers it.
type OutputChunk struct {
	ExecutionID string
	SessionID   string
	Stream      string // "stdout" | "stderr"
	Bytes       []byte
}

// Execution is the record of one child-process run, retained (bounded)
// for the life of the session.
type Execution struct {
	ID        string
	SessionID string
	Command   string
	State     State
	ExitCode  int
	StartedAt time.Time
	EndedAt   time.Time
	Err       string

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// Wait blocks until e finishes or ctx is cancelled, whichever comes
// first, returning ctx.Err() in the latter case. Used by the HTTP
// control surface's synchronous /execute endpoint; the data-channel
// dispatcher never calls this since it streams status asynchronously.
func (e *Execution) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of e's current fields, safe to read without
// racing runChild's in-progress mutation.
func (e *Execution) Snapshot() Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *e
	cp.cmd = nil
	cp.done = nil
	return cp
}

// ErrBusy is returned by Run when a session already has an execution
// in flight.
var ErrBusy = fmt.Errorf("a command is already running for this session")

// Supervisor owns per-session running executions and bounded history.
type Supervisor struct {
	workspaceDir string
	cliEnv       []string

	mu        sync.Mutex
	running   map[string]*Execution   // sessionID -> in-flight execution
	history   map[string][]*Execution // sessionID -> bounded history, most recent last
	onOutput  func(OutputChunk)
	onStatus  func(*Execution)
}

// New constructs a Supervisor rooted at workspaceDir, injecting
// extraEnv (e.g. API keys from host configuration) into every child.
func New(workspaceDir string, extraEnv []string, onOutput func(OutputChunk), onStatus func(*Execution)) *Supervisor {
	return &Supervisor{
		workspaceDir: workspaceDir,
		cliEnv:       extraEnv,
		running:      make(map[string]*Execution),
		history:      make(map[string][]*Execution),
		onOutput:     onOutput,
		onStatus:     onStatus,
	}
}

// Run spawns canonicalCommand for sessionID as a direct argv (no shell
// re-interpretation), streaming output through onOutput and returning
// immediately with the Execution handle. timeout <= 0 uses the
// default; it is clamped to maxTimeout.
func (s *Supervisor) Run(sessionID, canonicalCommand string, timeout time.Duration) (*Execution, error) {
	s.mu.Lock()
	if _, busy := s.running[sessionID]; busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	ex := &Execution{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Command:   canonicalCommand,
		State:     StatePending,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.running[sessionID] = ex
	s.mu.Unlock()

	go s.runChild(ex, timeout)
	return ex, nil
}

func (s *Supervisor) runChild(e *Execution, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fields := strings.Fields(e.Command)
	if len(fields) == 0 {
		s.finish(e, StateFailed, -1, fmt.Errorf("empty command"))
		return
	}

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Dir = s.workspaceDir
	cmd.Env = append(os.Environ(), s.cliEnv...)
	cmd.SysProcAttr = setpgidAttr()
	cmd.Cancel = func() error {
		return terminateProcessGroup(cmd.Process, unix.SIGTERM)
	}
	cmd.WaitDelay = terminateGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.finish(e, StateFailed, -1, err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.finish(e, StateFailed, -1, err)
		return
	}

	e.mu.Lock()
	e.cmd = cmd
	e.State = StateRunning
	e.mu.Unlock()
	s.notifyStatus(e)

	if err := cmd.Start(); err != nil {
		s.finish(e, StateFailed, -1, err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go s.pump(e, "stdout", stdout, &wg)
	go s.pump(e, "stderr", stderr, &wg)
	wg.Wait()

	err = cmd.Wait()
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		s.finish(e, StateTimeout, -1, ctx.Err())
	case err != nil:
		if exitErr, ok := err.(*exec.ExitError); ok {
			s.finish(e, StateFailed, exitErr.ExitCode(), nil)
		} else {
			s.finish(e, StateFailed, -1, err)
		}
	default:
		s.finish(e, StateCompleted, 0, nil)
	}
}

func (s *Supervisor) pump(e *Execution, stream string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 && s.onOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.onOutput(OutputChunk{ExecutionID: e.ID, SessionID: e.SessionID, Stream: stream, Bytes: chunk})
		}
		if err != nil {
			return
		}
	}
}

// Cancel terminates sessionID's running execution, if any. Idempotent.
func (s *Supervisor) Cancel(sessionID string) error {
	s.mu.Lock()
	e, ok := s.running[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	cmd := e.cmd
	e.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := terminateProcessGroup(cmd.Process, unix.SIGTERM); err != nil {
		logger.Warn("cancel: SIGTERM failed", "session", sessionID, "error", err)
	}
	go func() {
		select {
		case <-e.done:
		case <-time.After(terminateGrace):
			if err := terminateProcessGroup(cmd.Process, unix.SIGKILL); err != nil {
				logger.Warn("cancel: SIGKILL failed", "session", sessionID, "error", err)
			}
		}
	}()
	return nil
}

// Current returns the in-flight execution for sessionID, if any.
func (s *Supervisor) Current(sessionID string) (*Execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.running[sessionID]
	return e, ok
}

// History returns the bounded (<=50) execution history for sessionID,
// most recent last.
func (s *Supervisor) History(sessionID string) []*Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Execution(nil), s.history[sessionID]...)
}

func (s *Supervisor) finish(e *Execution, state State, exitCode int, err error) {
	e.mu.Lock()
	e.State = state
	e.ExitCode = exitCode
	e.EndedAt = time.Now()
	if err != nil {
		e.Err = err.Error()
	}
	e.mu.Unlock()
	close(e.done)

	s.mu.Lock()
	if s.running[e.SessionID] == e {
		delete(s.running, e.SessionID)
	}
	hist := append(s.history[e.SessionID], e)
	if len(hist) > maxHistory {
		hist = hist[len(hist)-maxHistory:]
	}
	s.history[e.SessionID] = hist
	s.mu.Unlock()

	s.notifyStatus(e)
}

func (s *Supervisor) notifyStatus(e *Execution) {
	if s.onStatus != nil {
		s.onStatus(e)
	}
}

// RemoveSession cancels and drops all state for sessionID, called on
// session teardown so executions don't outlive their owning session.
func (s *Supervisor) RemoveSession(sessionID string) {
	_ = s.Cancel(sessionID)
	s.mu.Lock()
	delete(s.history, sessionID)
	s.mu.Unlock()
}
