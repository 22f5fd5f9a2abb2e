package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeFakeRuntime writes an executable shell script standing in for
// the agent CLI.
func writeFakeRuntime(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func drain(t *testing.T, s *Stream) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not terminate")
		}
	}
}

func TestRunStreamsEventsInOrder(t *testing.T) {
	bin := writeFakeRuntime(t, `cat <<'EOF'
{"type":"system","subtype":"init","session_id":"sess-init"}
{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"planning"}]}}
{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Read","input":{"path":"a.txt"}}]}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"contents","is_error":false}]}}
{"type":"assistant","message":{"content":[{"type":"text","text":"Hello "},{"type":"text","text":"world"}]}}
{"type":"result","subtype":"success","is_error":false,"session_id":"sess-new","duration_ms":120,"num_turns":1}
EOF
`)

	s, err := New(bin).Run(context.Background(), Options{WorkDir: t.TempDir()}, "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := drain(t, s)
	if s.Err() != nil {
		t.Fatalf("Err = %v", s.Err())
	}

	wantTypes := []string{EventThinking, EventToolUse, EventToolResult, EventText, EventText, EventDone}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events %v, want %d", len(events), events, len(wantTypes))
	}
	for i, ev := range events {
		if ev.Type != wantTypes[i] {
			t.Errorf("events[%d].Type = %s, want %s", i, ev.Type, wantTypes[i])
		}
	}

	if events[1].ToolName != "Read" || events[1].ToolID != "t1" {
		t.Errorf("tool_use = %+v", events[1])
	}
	if events[2].ToolUseID != "t1" {
		t.Errorf("tool_result = %+v", events[2])
	}

	done := events[len(events)-1]
	if done.ResumeToken != "sess-new" {
		t.Errorf("ResumeToken = %q, want sess-new", done.ResumeToken)
	}
	if done.RunFailed {
		t.Error("RunFailed = true for successful run")
	}
	if done.DurationMS != 120 {
		t.Errorf("DurationMS = %d", done.DurationMS)
	}
}

func TestRunBinaryMissing(t *testing.T) {
	_, err := New("/nonexistent/agent-binary").Run(context.Background(), Options{WorkDir: t.TempDir()}, "hi")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestRunSessionExpired(t *testing.T) {
	bin := writeFakeRuntime(t, `echo "No conversation found with session ID: stale-token" >&2
exit 1
`)

	s, err := New(bin).Run(context.Background(), Options{WorkDir: t.TempDir(), ResumeToken: "stale-token"}, "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := drain(t, s)
	if !errors.Is(s.Err(), ErrSessionExpired) {
		t.Fatalf("Err = %v, want ErrSessionExpired", s.Err())
	}

	if len(events) != 1 || events[0].Type != EventDone || !events[0].RunFailed {
		t.Errorf("events = %+v, want single failed done", events)
	}
}

func TestRunExitWithoutResult(t *testing.T) {
	bin := writeFakeRuntime(t, `echo '{"type":"system","subtype":"init","session_id":"s1"}'
echo "boom" >&2
exit 3
`)

	s, err := New(bin).Run(context.Background(), Options{WorkDir: t.TempDir()}, "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	drain(t, s)
	if s.Err() == nil {
		t.Fatal("expected error for nonzero exit without result")
	}
	if errors.Is(s.Err(), ErrSessionExpired) {
		t.Fatal("fresh session must not report expiry")
	}
}

func TestRunCancellationKillsSubprocess(t *testing.T) {
	bin := writeFakeRuntime(t, `echo '{"type":"assistant","message":{"content":[{"type":"text","text":"partial"}]}}'
exec sleep 30
`)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(bin).Run(ctx, Options{WorkDir: t.TempDir()}, "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	first := <-s.Events()
	if first.Type != EventText {
		t.Fatalf("first event = %+v", first)
	}
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return // closed promptly, subprocess reaped
			}
		case <-deadline:
			t.Fatal("stream not closed after cancellation")
		}
	}
}

func TestBuildArgs(t *testing.T) {
	args := buildArgs(Options{
		ResumeToken:   "tok",
		AllowedTools:  []string{"Read", "mcp__db__execute_sql"},
		MCPConfigPath: "/data/mcp.json",
		SystemPrompt:  "target cluster abc",
	}, "do the thing")

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--resume tok",
		"-p do the thing",
		"--output-format stream-json",
		"--allowedTools Read,mcp__db__execute_sql",
		"--mcp-config /data/mcp.json",
		"--append-system-prompt target cluster abc",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}

	fresh := buildArgs(Options{}, "hi")
	if strings.Contains(strings.Join(fresh, " "), "--resume") {
		t.Error("fresh run must not pass --resume")
	}
}
