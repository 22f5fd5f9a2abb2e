// Package session orchestrates agent turns: conversation lifecycle,
// workspace leasing, tool resolution, the runtime run itself, and
// message persistence.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/workdeck-ai/workdeck/internal/event"
	"github.com/workdeck-ai/workdeck/internal/logging"
	"github.com/workdeck-ai/workdeck/internal/runtime"
	"github.com/workdeck-ai/workdeck/internal/store"
	"github.com/workdeck-ai/workdeck/internal/toolreg"
	"github.com/workdeck-ai/workdeck/internal/workspace"
	"github.com/workdeck-ai/workdeck/pkg/types"
)

// ErrConflict is returned when a turn is already in flight for the
// conversation. Concurrent turns are rejected, never queued.
var ErrConflict = errors.New("conversation already has a turn in flight")

// RunStream is one runtime run's output: read Events until it closes,
// then check Err.
type RunStream interface {
	Events() <-chan runtime.Event
	Err() error
}

// Runtime runs one agent turn.
type Runtime interface {
	Run(ctx context.Context, opts runtime.Options, prompt string) (RunStream, error)
}

// WrapRuntime adapts a *runtime.Adapter to the Runtime interface.
func WrapRuntime(a *runtime.Adapter) Runtime {
	return rtAdapter{a}
}

type rtAdapter struct{ a *runtime.Adapter }

func (r rtAdapter) Run(ctx context.Context, opts runtime.Options, prompt string) (RunStream, error) {
	return r.a.Run(ctx, opts, prompt)
}

// ToolResolver resolves external tool names. Implemented by
// toolreg.Client; may be nil when no tool server is configured.
type ToolResolver interface {
	ResolveTools(ctx context.Context) ([]string, error)
}

// Lease is exclusive workspace ownership for one turn.
type Lease interface {
	Dir() string
	Release()
}

// Workspaces is the workspace manager boundary.
type Workspaces interface {
	Acquire(ctx context.Context, projectID string) (Lease, error)
	MarkDirty(projectID string)
}

// WrapWorkspaces adapts a *workspace.Manager to the Workspaces
// interface.
func WrapWorkspaces(m *workspace.Manager) Workspaces {
	return wsAdapter{m}
}

type wsAdapter struct{ m *workspace.Manager }

func (a wsAdapter) Acquire(ctx context.Context, projectID string) (Lease, error) {
	return a.m.Acquire(ctx, projectID)
}

func (a wsAdapter) MarkDirty(projectID string) { a.m.MarkDirty(projectID) }

// Manager owns Conversation and Message lifecycle and drives turns.
type Manager struct {
	store      *store.Store
	runtime    Runtime
	tools      ToolResolver
	workspaces Workspaces
	bus        *event.Bus
	log        zerolog.Logger

	// builtinTools are always allowed; discovered tool names are
	// appended per turn.
	builtinTools  []string
	mcpConfigPath string
	systemPrompt  string

	mu     sync.Mutex
	active map[string]struct{}
}

// NewManager creates a session manager.
func NewManager(st *store.Store, rt Runtime, tools ToolResolver, ws Workspaces, bus *event.Bus) *Manager {
	return &Manager{
		store:      st,
		runtime:    rt,
		tools:      tools,
		workspaces: ws,
		bus:        bus,
		log:        logging.For("session"),
		active:     make(map[string]struct{}),
	}
}

// SetBuiltinTools sets the always-allowed tool names.
func (m *Manager) SetBuiltinTools(tools []string) { m.builtinTools = tools }

// SetMCPConfigPath points the runtime at the rendered tool server
// config.
func (m *Manager) SetMCPConfigPath(path string) { m.mcpConfigPath = path }

// SetSystemPrompt sets an extra system prompt appended on every turn.
func (m *Manager) SetSystemPrompt(prompt string) { m.systemPrompt = prompt }

// InvokeRequest is one user turn.
type InvokeRequest struct {
	ProjectID string
	// ConversationID continues an existing conversation; empty starts
	// a new one.
	ConversationID string
	Message        string
	// ComputeTarget optionally repins the conversation's compute
	// target.
	ComputeTarget string
}

// Invoke runs one agent turn and returns its event stream. The
// returned channel is unbuffered: a slow reader applies backpressure
// all the way down to the runtime subprocess. Cancelling ctx aborts
// the turn.
//
// Errors that can be detected up front — unknown project or
// conversation, a concurrent turn on the same conversation — are
// returned directly; everything later arrives as error events on the
// stream.
func (m *Manager) Invoke(ctx context.Context, req InvokeRequest) (<-chan Event, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("message must not be empty")
	}

	if _, err := m.store.GetProject(ctx, req.ProjectID); err != nil {
		return nil, fmt.Errorf("project %s: %w", req.ProjectID, err)
	}

	var (
		conv    *types.Conversation
		created bool
		err     error
	)
	if req.ConversationID == "" {
		conv, err = m.store.CreateConversation(ctx, req.ProjectID, titleFromMessage(req.Message))
		if err != nil {
			return nil, err
		}
		created = true
	} else {
		conv, err = m.store.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("conversation %s: %w", req.ConversationID, err)
		}
		if conv.ProjectID != req.ProjectID {
			return nil, fmt.Errorf("conversation %s does not belong to project %s: %w",
				req.ConversationID, req.ProjectID, store.ErrNotFound)
		}
	}

	if !m.claim(conv.ID) {
		return nil, fmt.Errorf("conversation %s: %w", conv.ID, ErrConflict)
	}

	if req.ComputeTarget != "" && req.ComputeTarget != conv.ComputeTarget {
		if err := m.store.UpdateComputeTarget(ctx, conv.ID, req.ComputeTarget); err != nil {
			m.release(conv.ID)
			return nil, err
		}
		conv.ComputeTarget = req.ComputeTarget
	}

	if created && m.bus != nil {
		m.bus.Publish(event.Event{
			Type: event.ConversationCreated,
			Data: event.ConversationCreatedData{Info: conv},
		})
	}

	out := make(chan Event)
	go m.runTurn(ctx, out, conv, created, req.Message)
	return out, nil
}

// Active reports whether a turn is in flight for the conversation.
func (m *Manager) Active(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[conversationID]
	return ok
}

func (m *Manager) claim(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[conversationID]; ok {
		return false
	}
	m.active[conversationID] = struct{}{}
	return true
}

func (m *Manager) release(conversationID string) {
	m.mu.Lock()
	delete(m.active, conversationID)
	m.mu.Unlock()
}

// runTurn is the body of one turn. It always closes out, and always
// ends the stream with stream.completed.
func (m *Manager) runTurn(ctx context.Context, out chan<- Event, conv *types.Conversation, created bool, message string) {
	defer close(out)
	defer m.release(conv.ID)

	log := m.log.With().
		Str("projectID", conv.ProjectID).
		Str("conversationID", conv.ID).
		Logger()

	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	finish := func(failed bool) {
		emit(Event{Type: EventStreamCompleted, IsError: failed})
	}
	fail := func(err error) {
		log.Error().Err(err).Msg("turn failed")
		emit(Event{Type: EventError, Error: err.Error()})
		finish(true)
	}

	if created {
		if !emit(Event{Type: EventConversationCreated, ConversationID: conv.ID}) {
			return
		}
	}

	lease, err := m.workspaces.Acquire(ctx, conv.ProjectID)
	if err != nil {
		fail(fmt.Errorf("acquire workspace: %w", err))
		return
	}
	defer lease.Release()

	allowed := append([]string(nil), m.builtinTools...)
	if m.tools != nil {
		discovered, err := m.tools.ResolveTools(ctx)
		switch {
		case err == nil:
			allowed = append(allowed, discovered...)
		case ctx.Err() != nil:
			fail(err)
			return
		default:
			// Degraded mode: a slow or broken tool server must not
			// block the user's turn.
			log.Warn().Err(err).Msg("proceeding without external tools")
			if !emit(Event{Type: EventWarning, Warning: "external tools unavailable for this turn: " + err.Error()}) {
				return
			}
		}
	}

	userMsg, err := m.store.AddMessage(ctx, conv.ID, types.RoleUser, message, false)
	if err != nil {
		fail(fmt.Errorf("persist user message: %w", err))
		return
	}
	m.publishMessage(userMsg)

	opts := runtime.Options{
		WorkDir:       lease.Dir(),
		ResumeToken:   conv.ResumeToken,
		AllowedTools:  allowed,
		MCPConfigPath: m.mcpConfigPath,
		SystemPrompt:  m.systemPromptFor(conv),
	}

	// Whatever happened, a started run may have touched the workspace.
	runStarted := false
	defer func() {
		if runStarted {
			m.workspaces.MarkDirty(conv.ProjectID)
		}
	}()

	runStarted = true
	outcome, runErr := m.runAgent(ctx, emit, opts, message)
	if runErr != nil && errors.Is(runErr, runtime.ErrSessionExpired) && opts.ResumeToken != "" {
		// The stored token refers to a session the runtime no longer
		// has. Retry once from scratch instead of failing the turn.
		log.Warn().Msg("resume token rejected, starting fresh session")
		if !emit(Event{Type: EventWarning, Warning: "previous session expired, starting a fresh one"}) {
			return
		}
		opts.ResumeToken = ""
		outcome, runErr = m.runAgent(ctx, emit, opts, message)
	}

	if runErr != nil {
		if !errors.Is(runErr, runtime.ErrUnavailable) && !errors.Is(runErr, context.Canceled) {
			m.persistAssistant(conv, "Error: "+runErr.Error(), true, log)
		}
		fail(runErr)
		return
	}

	text := outcome.text.String()
	if outcome.runFailed && text == "" {
		text = "Error: agent run failed"
	}
	m.persistAssistant(conv, text, outcome.runFailed, log)

	if outcome.resumeToken != "" && outcome.resumeToken != conv.ResumeToken {
		if err := m.store.UpdateResumeToken(ctx, conv.ID, outcome.resumeToken); err != nil {
			log.Error().Err(err).Msg("failed to persist resume token")
		}
	}

	emit(Event{
		Type:       EventResult,
		DurationMS: outcome.durationMS,
		CostUSD:    outcome.costUSD,
		NumTurns:   outcome.numTurns,
		IsError:    outcome.runFailed,
	})
	finish(outcome.runFailed)

	log.Info().
		Int64("durationMS", outcome.durationMS).
		Float64("costUSD", outcome.costUSD).
		Bool("failed", outcome.runFailed).
		Msg("turn completed")
}

// systemPromptFor extends the configured system prompt with the
// conversation's pinned compute target so the agent routes execution
// tools at it.
func (m *Manager) systemPromptFor(conv *types.Conversation) string {
	if conv.ComputeTarget == "" {
		return m.systemPrompt
	}
	section := "A compute target is selected for this conversation: " + conv.ComputeTarget +
		". Pass this ID to any tool that executes code on a compute target."
	if m.systemPrompt == "" {
		return section
	}
	return m.systemPrompt + "\n\n" + section
}

// turnOutcome is what one runtime run left behind.
type turnOutcome struct {
	text        strings.Builder
	resumeToken string
	durationMS  int64
	costUSD     float64
	numTurns    int
	runFailed   bool
}

// runAgent executes one runtime run, forwarding its events to the
// caller's stream and accumulating the pieces that get persisted.
func (m *Manager) runAgent(ctx context.Context, emit func(Event) bool, opts runtime.Options, prompt string) (*turnOutcome, error) {
	stream, err := m.runtime.Run(ctx, opts, prompt)
	if err != nil {
		return nil, err
	}

	outcome := &turnOutcome{}
	for rev := range stream.Events() {
		switch rev.Type {
		case runtime.EventThinking:
			if !emit(Event{Type: EventThinking, Thinking: rev.Thinking}) {
				return outcome, ctx.Err()
			}
		case runtime.EventToolUse:
			if !emit(Event{Type: EventToolUse, ToolID: rev.ToolID, ToolName: rev.ToolName, ToolInput: rev.ToolInput}) {
				return outcome, ctx.Err()
			}
		case runtime.EventToolResult:
			if !emit(Event{Type: EventToolResult, ToolUseID: rev.ToolUseID, Content: rev.Content, IsError: rev.IsError}) {
				return outcome, ctx.Err()
			}
		case runtime.EventText:
			outcome.text.WriteString(rev.Text)
			if !emit(Event{Type: EventText, Text: rev.Text}) {
				return outcome, ctx.Err()
			}
		case runtime.EventDone:
			outcome.resumeToken = rev.ResumeToken
			outcome.durationMS = rev.DurationMS
			outcome.costUSD = rev.CostUSD
			outcome.numTurns = rev.NumTurns
			outcome.runFailed = rev.RunFailed
		}
	}
	return outcome, stream.Err()
}

func (m *Manager) persistAssistant(conv *types.Conversation, content string, isError bool, log zerolog.Logger) {
	if content == "" {
		return
	}
	// Persistence happens even when the caller is gone; the
	// conversation record must reflect what the agent produced.
	msg, err := m.store.AddMessage(context.Background(), conv.ID, types.RoleAssistant, content, isError)
	if err != nil {
		log.Error().Err(err).Msg("failed to persist assistant message")
		return
	}
	m.publishMessage(msg)
}

func (m *Manager) publishMessage(msg *types.Message) {
	if m.bus != nil {
		m.bus.Publish(event.Event{Type: event.MessageCreated, Data: event.MessageCreatedData{Info: msg}})
	}
}

var _ ToolResolver = (*toolreg.Client)(nil)
