// Package runtime adapts the external agent CLI into a typed event
// stream.
//
// The runtime is an out-of-process coding agent invoked per turn in
// non-interactive mode with JSONL streaming output. Resumption is
// expressed with an opaque session token the runtime itself issues;
// this package stores nothing and never inspects the token.
package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/workdeck-ai/workdeck/internal/logging"
)

var (
	// ErrUnavailable means the runtime binary could not be started.
	ErrUnavailable = errors.New("agent runtime unavailable")
	// ErrSessionExpired means the runtime rejected the resume token.
	ErrSessionExpired = errors.New("agent session expired")
)

// Options configure one run.
type Options struct {
	// WorkDir is the workspace the runtime operates in.
	WorkDir string
	// ResumeToken continues a prior session when non-empty.
	ResumeToken string
	// AllowedTools is the tool allow-list for this run.
	AllowedTools []string
	// MCPConfigPath points the runtime at external tool servers.
	MCPConfigPath string
	// SystemPrompt is appended to the runtime's system prompt.
	SystemPrompt string
}

// Adapter runs the external agent CLI.
type Adapter struct {
	binary string
}

// New creates an adapter for the given runtime binary.
func New(binary string) *Adapter {
	return &Adapter{binary: binary}
}

// Stream is the event sequence of one run. Read Events until it
// closes, then check Err. The terminal done event is emitted exactly
// once, before close, whether the run succeeded or failed.
type Stream struct {
	events chan Event

	mu  sync.Mutex
	err error
}

// Events returns the run's event channel. Sends apply backpressure:
// a slow consumer pauses JSONL parsing, which in turn throttles the
// subprocess via its stdout pipe.
func (s *Stream) Events() <-chan Event { return s.events }

// Err reports the run's failure, if any. Valid after Events closes.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Run starts the runtime bound to opts.WorkDir and feeds it one user
// prompt. Cancelling ctx kills the subprocess.
func (a *Adapter) Run(ctx context.Context, opts Options, prompt string) (*Stream, error) {
	cmd := exec.CommandContext(ctx, a.binary, buildArgs(opts, prompt)...)
	cmd.Dir = opts.WorkDir
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	log := logging.For("runtime").With().
		Str("workDir", opts.WorkDir).
		Bool("resume", opts.ResumeToken != "").
		Logger()
	log.Debug().Msg("runtime started")

	s := &Stream{events: make(chan Event)}
	go s.consume(ctx, cmd, stdout, &stderr, opts.ResumeToken != "", log)
	return s, nil
}

func buildArgs(opts Options, prompt string) []string {
	var args []string
	if opts.ResumeToken != "" {
		args = append(args, "--resume", opts.ResumeToken)
	}
	args = append(args, "-p", prompt)
	args = append(args, "--output-format", "stream-json", "--verbose")
	args = append(args, "--dangerously-skip-permissions")
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.MCPConfigPath != "" {
		args = append(args, "--mcp-config", opts.MCPConfigPath)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	return args
}

// consume reads JSONL from the runtime until EOF, translates lines to
// events, reaps the process, and emits the terminal done event.
func (s *Stream) consume(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, stderr *bytes.Buffer, resumed bool, log zerolog.Logger) {
	defer close(s.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		token     string
		sawResult bool
		aborted   bool
		done      Event
	)

scan:
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg streamLine
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			log.Debug().Str("line", line).Msg("skipping non-JSON runtime output")
			continue
		}

		switch msg.Type {
		case "system":
			// The init message carries the session token before any
			// assistant output; keep it in case the result is lost.
			if msg.Subtype == "init" && msg.SessionID != "" {
				token = msg.SessionID
			}

		case "assistant", "user":
			if msg.Message == nil {
				continue
			}
			for _, block := range msg.Message.Content {
				ev, ok := blockEvent(block)
				if !ok {
					continue
				}
				if !s.send(ctx, ev) {
					aborted = true
					break scan
				}
			}

		case "result":
			if msg.SessionID != "" {
				token = msg.SessionID
			}
			sawResult = true
			done = Event{
				Type:        EventDone,
				ResumeToken: token,
				DurationMS:  msg.DurationMS,
				CostUSD:     msg.TotalCostUSD,
				NumTurns:    msg.NumTurns,
				RunFailed:   msg.IsError,
			}
		}
	}

	if aborted {
		// CommandContext has already delivered the kill; just reap.
		io.Copy(io.Discard, stdout)
		cmd.Wait()
		return
	}

	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		s.setErr(ctx.Err())
	case sawResult:
		if done.RunFailed {
			s.setErr(fmt.Errorf("agent run failed"))
		}
	case resumed && sessionRejected(stderr.String()):
		s.setErr(ErrSessionExpired)
	case waitErr != nil:
		s.setErr(fmt.Errorf("runtime exited: %w: %s", waitErr, firstLine(stderr.String())))
	case scanErr != nil:
		s.setErr(fmt.Errorf("read runtime output: %w", scanErr))
	default:
		s.setErr(fmt.Errorf("runtime ended without a result"))
	}

	if !sawResult {
		done = Event{Type: EventDone, ResumeToken: token, RunFailed: true}
	}
	s.send(ctx, done)
}

// send delivers an event, honoring cancellation. Returns false when
// the run context is gone and the consumer will never read again.
func (s *Stream) send(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		s.setErr(ctx.Err())
		return false
	}
}

func blockEvent(block contentBlock) (Event, bool) {
	switch block.Type {
	case "text":
		return Event{Type: EventText, Text: block.Text}, true
	case "thinking":
		return Event{Type: EventThinking, Thinking: block.Thinking}, true
	case "tool_use":
		return Event{
			Type:      EventToolUse,
			ToolID:    block.ID,
			ToolName:  block.Name,
			ToolInput: block.Input,
		}, true
	case "tool_result":
		return Event{
			Type:      EventToolResult,
			ToolUseID: block.ToolUseID,
			Content:   block.Content,
			IsError:   block.IsError,
		}, true
	}
	return Event{}, false
}

// sessionRejected matches the runtime's complaint about an unknown or
// expired session token.
func sessionRejected(stderr string) bool {
	return strings.Contains(stderr, "No conversation found")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
