package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workdeck-ai/workdeck/internal/event"
	"github.com/workdeck-ai/workdeck/internal/runtime"
	"github.com/workdeck-ai/workdeck/internal/session"
	"github.com/workdeck-ai/workdeck/internal/store"
	"github.com/workdeck-ai/workdeck/internal/workspace"
	"github.com/workdeck-ai/workdeck/pkg/types"
)

// scriptedRuntime plays the same fixed event sequence for every run.
type scriptedRuntime struct {
	events []runtime.Event
	err    error
}

type scriptedStream struct {
	ch  chan runtime.Event
	err error
}

func (s *scriptedStream) Events() <-chan runtime.Event { return s.ch }
func (s *scriptedStream) Err() error                   { return s.err }

func (f *scriptedRuntime) Run(ctx context.Context, opts runtime.Options, prompt string) (session.RunStream, error) {
	s := &scriptedStream{ch: make(chan runtime.Event), err: f.err}
	go func() {
		defer close(s.ch)
		for _, ev := range f.events {
			select {
			case s.ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return s, nil
}

type testEnv struct {
	srv     *httptest.Server
	store   *store.Store
	manager *workspace.Manager
}

func newTestEnv(t *testing.T, rt session.Runtime) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })

	wm := workspace.NewManager(t.TempDir(), st, bus, nil)
	sessions := session.NewManager(st, rt, nil, session.WrapWorkspaces(wm), bus)

	s := New(DefaultConfig(), st, sessions, wm, bus)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: st, manager: wm}
}

func defaultRuntime() *scriptedRuntime {
	return &scriptedRuntime{events: []runtime.Event{
		{Type: runtime.EventText, Text: "Hi"},
		{Type: runtime.EventText, Text: " there"},
		{Type: runtime.EventDone, ResumeToken: "sess-1", DurationMS: 10, NumTurns: 1},
	}}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// sseFrames reads the response to EOF and returns the data payloads.
func sseFrames(t *testing.T, resp *http.Response) []string {
	t.Helper()
	defer resp.Body.Close()
	var frames []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if payload, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			frames = append(frames, payload)
		}
	}
	require.NoError(t, sc.Err())
	return frames
}

func TestProjectCRUD(t *testing.T) {
	env := newTestEnv(t, defaultRuntime())

	resp := env.postJSON(t, "/projects", map[string]string{"name": "demo"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	project := decodeBody[types.Project](t, resp)
	assert.Equal(t, "demo", project.Name)
	require.NotEmpty(t, project.ID)

	resp = env.get(t, "/projects")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	projects := decodeBody[[]types.Project](t, resp)
	require.Len(t, projects, 1)

	resp = env.get(t, "/projects/"+project.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[types.Project](t, resp)
	assert.Equal(t, project.ID, got.ID)

	req, err := http.NewRequest(http.MethodDelete, env.srv.URL+"/projects/"+project.ID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.get(t, "/projects/"+project.ID)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateProjectValidation(t *testing.T) {
	env := newTestEnv(t, defaultRuntime())

	resp := env.postJSON(t, "/projects", map[string]string{"name": "  "})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	errResp := decodeBody[ErrorResponse](t, resp)
	assert.Equal(t, ErrCodeInvalidRequest, errResp.Error.Code)
}

func TestInvokeAgentStreams(t *testing.T) {
	env := newTestEnv(t, defaultRuntime())
	ctx := context.Background()

	p, err := env.store.CreateProject(ctx, "demo")
	require.NoError(t, err)

	resp := env.postJSON(t, "/invoke_agent", map[string]string{
		"project_id": p.ID,
		"message":    "hello",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := sseFrames(t, resp)
	require.NotEmpty(t, frames)
	assert.Equal(t, "[DONE]", frames[len(frames)-1])

	var first session.Event
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &first))
	assert.Equal(t, session.EventConversationCreated, first.Type)
	require.NotEmpty(t, first.ConversationID)

	var last session.Event
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-2]), &last))
	assert.Equal(t, session.EventStreamCompleted, last.Type)

	msgs, err := env.store.ListMessages(ctx, first.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "Hi there", msgs[1].Content)
}

func TestInvokeAgentValidation(t *testing.T) {
	env := newTestEnv(t, defaultRuntime())

	resp := env.postJSON(t, "/invoke_agent", map[string]string{"message": "hi"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.postJSON(t, "/invoke_agent", map[string]string{"project_id": "p"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.postJSON(t, "/invoke_agent", map[string]string{
		"project_id": "missing", "message": "hi",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	errResp := decodeBody[ErrorResponse](t, resp)
	assert.Equal(t, ErrCodeNotFound, errResp.Error.Code)
}

func TestConversationEndpoints(t *testing.T) {
	env := newTestEnv(t, defaultRuntime())
	ctx := context.Background()

	p, err := env.store.CreateProject(ctx, "demo")
	require.NoError(t, err)

	resp := env.postJSON(t, "/invoke_agent", map[string]string{
		"project_id": p.ID,
		"message":    "hello",
		"cluster_id": "cluster-3",
	})
	frames := sseFrames(t, resp)
	var first session.Event
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &first))
	convID := first.ConversationID

	resp = env.get(t, fmt.Sprintf("/projects/%s/conversations", p.ID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	convs := decodeBody[[]types.Conversation](t, resp)
	require.Len(t, convs, 1)
	assert.Equal(t, "cluster-3", convs[0].ComputeTarget)

	resp = env.get(t, "/conversations/"+convID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conv := decodeBody[conversationResponse](t, resp)
	assert.Equal(t, convID, conv.ID)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, types.RoleUser, conv.Messages[0].Role)

	req, err := http.NewRequest(http.MethodDelete, env.srv.URL+"/conversations/"+convID, nil)
	require.NoError(t, err)
	dresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	dresp.Body.Close()
	require.Equal(t, http.StatusOK, dresp.StatusCode)

	resp = env.get(t, "/conversations/"+convID)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListProjectFiles(t *testing.T) {
	env := newTestEnv(t, defaultRuntime())
	ctx := context.Background()

	p, err := env.store.CreateProject(ctx, "demo")
	require.NoError(t, err)

	dir, err := env.manager.EnsureLocal(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("22"), 0o644))

	resp := env.get(t, fmt.Sprintf("/projects/%s/files", p.ID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	files := decodeBody[[]types.FileInfo](t, resp)
	require.Len(t, files, 2)
	assert.Equal(t, "a.txt", files[0].Path)
	assert.Equal(t, int64(1), files[0].Size)
	assert.Equal(t, "sub/b.txt", files[1].Path)
	assert.Equal(t, "b.txt", files[1].Name)
}

func TestListProjectFilesUnknownProject(t *testing.T) {
	env := newTestEnv(t, defaultRuntime())
	resp := env.get(t, "/projects/missing/files")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, defaultRuntime())
	resp := env.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}
