package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/carewise/internal/domain"
	"github.com/liliang-cn/carewise/internal/repository"
	"github.com/liliang-cn/carewise/internal/service"
	"github.com/liliang-cn/carewise/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const answerEvent = `{"status":"complete","data":{"answer":{"answer":"Common symptoms include thirst and fatigue."},` +
	`"plan":{"intent":"SYMPTOMS_RELATED","sources":["MedlinePlus","CDC"],"entities":{"diseases":["diabetes"],"drugs":[],"therapies":[]}},` +
	`"top_sources":[{"source":"MedlinePlus","title":"Diabetes","content":"Symptoms","score":0.8}]}}`

type testAPI struct {
	router  *gin.Engine
	ctrl    *service.SessionController
	release chan struct{}
}

// newTestAPI wires the router to a fake pipeline that answers once release
// is closed
func newTestAPI(t *testing.T, apiKey string) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	release := make(chan struct{})
	backend := gin.New()
	backend.GET("/query-stream", func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		fmt.Fprint(c.Writer, "data: {\"status\":\"analyzing\"}\n\n")
		c.Writer.Flush()
		select {
		case <-release:
		case <-c.Request.Context().Done():
			return
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", answerEvent)
		c.Writer.Flush()
	})
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	store := repository.NewSessionStore(repository.NewMemoryKV(), "test:", zap.NewNop())
	ctrl, err := service.NewSessionController(context.Background(),
		domain.User{ID: "local", DisplayName: "Local User"},
		store, stream.NewClient(srv.URL+"/query-stream"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctrl.Close(ctx)
	})

	return &testAPI{
		router:  SetupRouter(ctrl, RouterConfig{APIKey: apiKey, AllowOrigins: []string{"http://localhost:3000"}}, nil),
		ctrl:    ctrl,
		release: release,
	}
}

func (a *testAPI) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t, "")
	w := a.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestListAndCreateSessions(t *testing.T) {
	a := newTestAPI(t, "")

	w := a.do(http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 1)
	first := sessions[0].(map[string]any)
	assert.Equal(t, domain.DefaultSessionName, first["name"])
	assert.Equal(t, first["id"], body["active_session_id"])

	w = a.do(http.MethodPost, "/api/sessions", "")
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode(t, w)
	assert.Equal(t, true, created["active"])
	assert.Equal(t, []any{}, created["messages"])
	assert.Equal(t, created["id"], a.ctrl.ActiveSessionID())

	w = a.do(http.MethodPut, "/api/sessions/"+first["id"].(string)+"/active", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, first["id"], a.ctrl.ActiveSessionID())

	w = a.do(http.MethodDelete, "/api/sessions/"+first["id"].(string), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created["id"], decode(t, w)["active_session_id"])

	w = a.do(http.MethodGet, "/api/sessions/"+first["id"].(string), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = a.do(http.MethodPut, "/api/sessions/missing/active", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitLifecycle(t *testing.T) {
	a := newTestAPI(t, "")
	id := a.ctrl.ActiveSessionID()
	path := "/api/sessions/" + id

	w := a.do(http.MethodPost, path+"/messages", `{"message":"What are the symptoms of diabetes?"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "submitted", decode(t, w)["stage"])

	w = a.do(http.MethodPost, path+"/messages", `{"message":"And type 2?"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, w.Code)
	view := decode(t, w)
	assert.Equal(t, "What are the symptoms of diabe...", view["name"])
	assert.NotEmpty(t, view["stage"])
	assert.Len(t, view["messages"], 1)

	close(a.release)
	require.Eventually(t, func() bool { return !a.ctrl.Busy(id) }, 5*time.Second, 10*time.Millisecond)

	view = decode(t, a.do(http.MethodGet, path, ""))
	assert.Nil(t, view["stage"])
	messages := view["messages"].([]any)
	require.Len(t, messages, 2)
	bot := messages[1].(map[string]any)
	assert.Equal(t, "bot", bot["type"])
	assert.Equal(t, "Common symptoms include thirst and fatigue.", bot["content"])
	assert.Equal(t, "SYMPTOMS_RELATED", bot["plan"].(map[string]any)["intent"])
}

func TestSubmitValidation(t *testing.T) {
	a := newTestAPI(t, "")
	id := a.ctrl.ActiveSessionID()

	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"missing message", "/api/sessions/" + id + "/messages", `{}`, http.StatusBadRequest},
		{"blank message", "/api/sessions/" + id + "/messages", `{"message":"   "}`, http.StatusBadRequest},
		{"malformed body", "/api/sessions/" + id + "/messages", `{"message":`, http.StatusBadRequest},
		{"unknown session", "/api/sessions/missing/messages", `{"message":"hello"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.code, w.Code)
		})
	}

	session, err := a.ctrl.Session(id)
	require.NoError(t, err)
	assert.Empty(t, session.Messages)
}

func TestCancelQuery(t *testing.T) {
	a := newTestAPI(t, "")
	id := a.ctrl.ActiveSessionID()

	w := a.do(http.MethodPost, "/api/sessions/"+id+"/messages", `{"message":"Is ibuprofen safe?"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = a.do(http.MethodDelete, "/api/sessions/"+id+"/query", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	require.Eventually(t, func() bool { return !a.ctrl.Busy(id) }, 5*time.Second, 10*time.Millisecond)

	session, err := a.ctrl.Session(id)
	require.NoError(t, err)
	assert.Len(t, session.Messages, 1)

	w = a.do(http.MethodDelete, "/api/sessions/missing/query", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIKey(t *testing.T) {
	a := newTestAPI(t, "secret")

	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/api/sessions", "").Code)
	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/api/sessions", "", "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/sessions", "", "X-API-Key", "secret").Code)
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/sessions", "", "Authorization", "Bearer secret").Code)
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/health", "").Code)
}

func TestCORS(t *testing.T) {
	a := newTestAPI(t, "secret")

	w := a.do(http.MethodOptions, "/api/sessions", "", "Origin", "http://localhost:3000")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	w = a.do(http.MethodGet, "/health", "", "Origin", "http://evil.example")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestEventStream(t *testing.T) {
	a := newTestAPI(t, "")
	srv := httptest.NewServer(a.router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	next := func() string {
		for line := range lines {
			if strings.HasPrefix(line, "event:") {
				return strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			}
		}
		return ""
	}

	assert.Equal(t, "active", next())

	id := a.ctrl.ActiveSessionID()
	_, err = a.ctrl.Submit(id, "What are the symptoms of diabetes?")
	require.NoError(t, err)

	assert.Equal(t, "transcript", next())
	assert.Equal(t, "stage", next())
	assert.Equal(t, "stage", next())

	close(a.release)
	assert.Equal(t, "stage", next())
	assert.Equal(t, "transcript", next())
}

func TestShutdownEndsEventStreams(t *testing.T) {
	a := newTestAPI(t, "")
	srv := NewServer("127.0.0.1:0", a.ctrl, RouterConfig{}, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	// Wait for the stream to be established.
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event:active\n", line)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, <-served, http.ErrServerClosed)
}
