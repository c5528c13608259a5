package aitask

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopsy-mesh/loopsyd/internal/apierr"
	"github.com/loopsy-mesh/loopsyd/internal/procsession"
)

const killGrace = 5 * time.Second

type permissionRequest struct {
	PendingApproval
}

type permissionResponse struct {
	Approved   bool
	Message    string
	ResolvedAt time.Time
}

type task struct {
	mu sync.Mutex
	Info

	bus       *eventBus
	parser    *lineParser
	sess      *procsession.Session
	cancel    context.CancelFunc
	timeout   *time.Timer
	scratchDir string

	pending  map[string]*permissionRequest // requestId -> request (at most one live per §3)
	responses map[string]*permissionResponse
}

// Manager owns the active and recent task tables plus the shared
// scratch/hook wiring (§4.6).
type Manager struct {
	dataDir    string
	daemonPort int
	apiKeyFn   func() string

	mu     sync.Mutex
	active map[string]*task
	recent map[string]*task
}

// New constructs an AI task manager. apiKeyFn resolves this node's
// current API key lazily (it may rotate via pairing).
func New(dataDir string, daemonPort int, apiKeyFn func() string) *Manager {
	return &Manager{
		dataDir:    dataDir,
		daemonPort: daemonPort,
		apiKeyFn:   apiKeyFn,
		active:     make(map[string]*task),
		recent:     make(map[string]*task),
	}
}

func (m *Manager) activeCount() int {
	n := 0
	for _, t := range m.active {
		t.mu.Lock()
		s := t.Status
		t.mu.Unlock()
		if s == StatusRunning || s == StatusWaitingApproval {
			n++
		}
	}
	return n
}

// resolveAgent finds the first of claude/gemini/codex on PATH.
func resolveAgent() (Agent, error) {
	for _, a := range []Agent{AgentClaude, AgentGemini, AgentCodex} {
		if _, err := exec.LookPath(string(a)); err == nil {
			return a, nil
		}
	}
	return "", apierr.New(apierr.AITaskAgentNotFound, "no supported agent CLI found on PATH")
}

// Dispatch spawns a new AI task per §4.6.2.
func (m *Manager) Dispatch(ctx context.Context, p DispatchParams, fromNodeID string) (Info, error) {
	m.mu.Lock()
	if m.activeCount() >= maxActiveTasks {
		m.mu.Unlock()
		return Info{}, apierr.New(apierr.AITaskMaxConcurrent, "at most 3 active AI tasks allowed")
	}
	m.mu.Unlock()

	agent := p.Agent
	if agent == "" || agent == AgentAuto {
		resolved, err := resolveAgent()
		if err != nil {
			return Info{}, err
		}
		agent = resolved
	} else if _, err := exec.LookPath(string(agent)); err != nil {
		return Info{}, apierr.New(apierr.AITaskAgentNotFound, string(agent)+" not found on PATH")
	}

	taskID := uuid.New().String()
	now := time.Now().UnixMilli()

	scratchDir := ""
	cwd := p.Cwd
	if agent == AgentClaude && p.PermissionMode != ModeBypassPermissions {
		dir, err := m.prepareScratchDir(taskID, p.Cwd)
		if err != nil {
			return Info{}, apierr.Wrap(apierr.AITaskFailed, "failed to prepare scratch dir", err)
		}
		scratchDir = dir
		cwd = dir
	}

	args := buildArgs(agent, DispatchParams{
		Prompt: p.Prompt, Cwd: p.Cwd, PermissionMode: p.PermissionMode,
		Model: p.Model, MaxBudgetUsd: p.MaxBudgetUsd, AllowedTools: p.AllowedTools,
		DisallowedTools: p.DisallowedTools, AdditionalArgs: p.AdditionalArgs,
	})
	env := sanitizeEnv(os.Environ(), agent, taskID, m.daemonPort, m.apiKeyFn())

	runCtx, cancel := context.WithCancel(context.Background())
	mode := procsession.ModePipe
	if agent == AgentClaude {
		mode = procsession.ModePTY
	}
	sess, err := procsession.Start(runCtx, procsession.Options{
		Command: string(agent), Args: args, Dir: cwd, Env: env, Mode: mode,
	})
	if err != nil {
		cancel()
		return Info{}, apierr.Wrap(apierr.AITaskFailed, "failed to spawn agent", err)
	}

	t := &task{
		Info: Info{
			TaskID: taskID, Prompt: p.Prompt, Status: StatusRunning,
			StartedAt: now, UpdatedAt: now, FromNodeID: fromNodeID,
			PID: sess.PID(), Model: p.Model, Agent: agent,
		},
		bus:        newEventBus(),
		parser:     newLineParser(agent),
		sess:       sess,
		cancel:     cancel,
		scratchDir: scratchDir,
		pending:    make(map[string]*permissionRequest),
		responses:  make(map[string]*permissionResponse),
	}
	t.timeout = time.AfterFunc(defaultTaskTimeout, func() { m.onTimeout(taskID) })

	m.mu.Lock()
	m.active[taskID] = t
	m.mu.Unlock()

	go m.pump(t)

	return t.snapshot(), nil
}

func (t *task) snapshot() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Info
}

// pump drains the child's stdout/exit, parses lines into canonical
// events, and runs the lifecycle transition on exit (§4.6.6).
func (m *Manager) pump(t *task) {
	stdoutCh := t.sess.Stdout
	for {
		select {
		case b, ok := <-stdoutCh:
			if !ok {
				stdoutCh = nil
				continue
			}
			for _, e := range t.parser.feed(append(b, '\n')) {
				m.handleEvent(t, e)
			}
		case exit := <-t.sess.Exit:
			// Lines may still be buffered when the exit notification
			// arrives; drain them so trailing output is not lost.
			for stdoutCh != nil {
				b, ok := <-stdoutCh
				if !ok {
					break
				}
				for _, e := range t.parser.feed(append(b, '\n')) {
					m.handleEvent(t, e)
				}
			}
			for _, e := range t.parser.flush() {
				m.handleEvent(t, e)
			}
			m.finish(t, exit)
			return
		}
	}
}

// handleEvent applies task-record side effects for a parsed event
// (e.g. capturing sessionId from a result event) before broadcasting.
func (m *Manager) handleEvent(t *task, e Event) {
	if e.Type == EventResult {
		if obj, ok := e.Data.(map[string]interface{}); ok {
			if sid, ok := obj["sessionId"].(string); ok {
				t.mu.Lock()
				t.SessionID = sid
				t.mu.Unlock()
			}
		}
	}
	t.bus.emit(e)
}

func (m *Manager) finish(t *task, exit procsession.ExitInfo) {
	t.mu.Lock()
	t.timeout.Stop()
	now := time.Now().UnixMilli()
	t.UpdatedAt = now
	t.CompletedAt = now
	code := exit.ExitCode
	t.ExitCode = &code
	switch {
	case exit.Signaled:
		t.Status = StatusCancelled
	case exit.ExitCode == 0:
		t.Status = StatusCompleted
	default:
		t.Status = StatusFailed
		if exit.Err != nil {
			t.Error = exit.Err.Error()
		}
	}
	status := t.Status
	t.mu.Unlock()

	t.bus.emit(Event{Type: EventExit, Data: map[string]interface{}{"exitCode": exit.ExitCode, "status": status}})

	if t.scratchDir != "" {
		os.RemoveAll(t.scratchDir)
	}

	m.mu.Lock()
	delete(m.active, t.Info.TaskID)
	m.recent[t.Info.TaskID] = t
	m.mu.Unlock()

	time.AfterFunc(recentRetention, func() {
		m.mu.Lock()
		delete(m.recent, t.Info.TaskID)
		m.mu.Unlock()
	})
}

func (m *Manager) onTimeout(taskID string) {
	t := m.find(taskID)
	if t == nil {
		return
	}
	t.bus.emit(Event{Type: EventError, Data: "task exceeded 30-minute timeout"})
	m.cancelTask(t)
}

func (m *Manager) find(taskID string) *task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.active[taskID]; ok {
		return t
	}
	return m.recent[taskID]
}

func (m *Manager) cancelTask(t *task) {
	t.mu.Lock()
	t.Status = StatusCancelled
	t.mu.Unlock()
	t.sess.Terminate()
	time.AfterFunc(killGrace, func() { t.sess.Kill() })
}

// Cancel cancels a task by id, per §4.6.6.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	t, ok := m.active[taskID]
	m.mu.Unlock()
	if !ok {
		return apierr.New(apierr.AITaskNotFound, "task not found")
	}
	m.cancelTask(t)
	return nil
}

// CancelAll KILLs every active task's child, used on shutdown.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.active {
		t.sess.Kill()
		t.cancel()
	}
}

// Get returns a task's current info snapshot, searching active then
// recent.
func (m *Manager) Get(taskID string) (Info, bool) {
	t := m.find(taskID)
	if t == nil {
		return Info{}, false
	}
	return t.snapshot(), true
}

// List returns every active and recent task's info snapshot.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.active)+len(m.recent))
	for _, t := range m.active {
		out = append(out, t.snapshot())
	}
	for _, t := range m.recent {
		out = append(out, t.snapshot())
	}
	return out
}

// EventBuffer returns a copy of a task's ring buffer.
func (m *Manager) EventBuffer(taskID string) ([]Event, bool) {
	t := m.find(taskID)
	if t == nil {
		return nil, false
	}
	return t.bus.buffer(), true
}

// Subscribe attaches cb to a task's live event stream, first replaying
// buffered events after since (ms), matching §4.6.4's SSE contract.
func (m *Manager) Subscribe(taskID string, since int64, cb func(Event)) (func(), bool) {
	t := m.find(taskID)
	if t == nil {
		return nil, false
	}
	for _, e := range t.bus.since(since) {
		cb(e)
	}
	return t.bus.subscribe(cb), true
}

// RegisterPermissionRequest is invoked by the hook endpoint (step 2 of
// §4.6.5's sequence).
func (m *Manager) RegisterPermissionRequest(taskID, requestID, toolName string, toolInput interface{}, description string) error {
	t := m.findActive(taskID)
	if t == nil {
		return apierr.New(apierr.AITaskNotFound, "task not found or not active")
	}
	t.mu.Lock()
	if len(t.pending) > 0 {
		t.mu.Unlock()
		return apierr.New(apierr.AITaskFailed, "task already has a pending permission request")
	}
	req := &permissionRequest{PendingApproval{
		RequestID: requestID, ToolName: toolName, ToolInput: toolInput,
		Description: description, Timestamp: time.Now().UnixMilli(),
	}}
	t.pending[requestID] = req
	t.Status = StatusWaitingApproval
	t.PendingApproval = &req.PendingApproval
	t.mu.Unlock()

	t.bus.emit(Event{Type: EventPermissionRequest, Data: req.PendingApproval})
	return nil
}

func (m *Manager) findActive(taskID string) *task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[taskID]
}

// PermissionResponseView is what GET .../permission-response returns.
type PermissionResponseView struct {
	Resolved bool   `json:"resolved"`
	Approved bool   `json:"approved,omitempty"`
	Message  string `json:"message,omitempty"`
}

// PollPermissionResponse is invoked by the hook every 100ms (step 4).
func (m *Manager) PollPermissionResponse(taskID, requestID string) (PermissionResponseView, error) {
	t := m.find(taskID)
	if t == nil {
		return PermissionResponseView{}, apierr.New(apierr.AITaskNotFound, "task not found")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	resp, ok := t.responses[requestID]
	if !ok {
		return PermissionResponseView{Resolved: false}, nil
	}
	return PermissionResponseView{Resolved: true, Approved: resp.Approved, Message: resp.Message}, nil
}

// Approve resolves a pending permission request (step 5 of §4.6.5).
func (m *Manager) Approve(taskID, requestID string, approved bool, message string) error {
	t := m.findActive(taskID)
	if t == nil {
		return apierr.New(apierr.AITaskNotFound, "task not found or not active")
	}
	t.mu.Lock()
	if _, ok := t.pending[requestID]; !ok {
		t.mu.Unlock()
		return apierr.New(apierr.AITaskNoPendingApproval, "no pending approval for that requestId")
	}
	delete(t.pending, requestID)
	t.responses[requestID] = &permissionResponse{Approved: approved, Message: message, ResolvedAt: time.Now()}
	t.Status = StatusRunning
	t.PendingApproval = nil
	t.mu.Unlock()

	t.bus.emit(Event{Type: EventStatus, Data: map[string]interface{}{"status": StatusRunning}})

	requestIDCopy := requestID
	time.AfterFunc(permissionResponseTTL, func() {
		t.mu.Lock()
		delete(t.responses, requestIDCopy)
		t.mu.Unlock()
	})
	return nil
}

func (m *Manager) prepareScratchDir(taskID, realCwd string) (string, error) {
	dir := filepath.Join(m.dataDir, "scratch", taskID)
	if err := os.MkdirAll(filepath.Join(dir, ".claude"), 0o700); err != nil {
		return "", err
	}
	settings := `{"hooks":{"PreToolUse":[{"hooks":[{"type":"command","command":"loopsy-hook ` + taskID + ` ` + strconv.Itoa(m.daemonPort) + ` ` + m.apiKeyFn() + `"}]}]}}`
	if err := os.WriteFile(filepath.Join(dir, ".claude", "settings.local.json"), []byte(settings), 0o600); err != nil {
		return "", err
	}
	claudeMD := "Use absolute paths for all file operations; your working directory is a scratch directory, not the user's project.\n"
	if realCwd != "" {
		claudeMD += "The user's intended directory is " + realCwd + " (granted via --add-dir).\n"
	}
	if err := os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte(claudeMD), 0o600); err != nil {
		return "", err
	}
	return dir, nil
}

