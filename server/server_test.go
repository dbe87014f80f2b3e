package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/ka1naas/Research-Engram/adversarial"
	"github.com/ka1naas/Research-Engram/consolidation"
	"github.com/ka1naas/Research-Engram/core"
	"github.com/ka1naas/Research-Engram/dialogue"
	"github.com/ka1naas/Research-Engram/ingest"
	"github.com/ka1naas/Research-Engram/llm"
	"github.com/ka1naas/Research-Engram/memory"
	"github.com/ka1naas/Research-Engram/memory/embedder/hash"
	"github.com/ka1naas/Research-Engram/memory/index/chromem"
	"github.com/ka1naas/Research-Engram/profile"
	"github.com/ka1naas/Research-Engram/server"
	"github.com/m-mizutani/gt"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fixture struct {
	store *memory.Store
	repo  *profile.MemoryRepository
	srv   *server.Server
}

// client answers every prompt with a fixed reply, except paper analysis
// which gets a JSON analysis.
var client = llm.ClientFunc(func(ctx context.Context, msgs []core.Message) (string, error) {
	if strings.Contains(msgs[0].Content, "research paper analyst") {
		return `{"summary": "a summary", "claims": ["c1"], "critiques": ["k1"]}`, nil
	}
	return "fixed reply", nil
})

func newFixture(t *testing.T) *fixture {
	t.Helper()
	idx, err := chromem.New(hash.New(64))
	gt.NoError(t, err)
	store := memory.NewStore(idx, nil)
	repo := profile.NewMemoryRepository()

	critic := adversarial.New(store, client, nil)
	return &fixture{
		store: store,
		repo:  repo,
		srv: server.New(
			dialogue.New(client, store, repo, repo, dialogue.WithCritic(critic)),
			critic,
			ingest.New(store, client, nil),
			consolidation.New(store, repo, client, nil),
		),
	}
}

func (f *fixture) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	gt.Equal(t, rec.Code, http.StatusOK)
	gt.S(t, rec.Body.String()).Contains(`"ok"`)
}

func TestChat(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/chat", `{"user_id": "u1", "scope_id": "idea-1", "message": "hello"}`)
	gt.Equal(t, rec.Code, http.StatusOK)

	var resp dialogue.Response
	gt.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	gt.Equal(t, resp.Text, "fixed reply")
	gt.Equal(t, resp.MessageID, int64(2))
}

func TestChatRejectsBadRequests(t *testing.T) {
	f := newFixture(t)

	testCases := map[string]string{
		"not json":      `{"user_id": `,
		"unknown field": `{"user_id": "u1", "message": "hi", "colour": "red"}`,
		"no user":       `{"message": "hi"}`,
		"bad mode":      `{"user_id": "u1", "message": "hi", "mode": "shout"}`,
	}
	for name, body := range testCases {
		t.Run(name, func(t *testing.T) {
			rec := f.post(t, "/chat", body)
			gt.Equal(t, rec.Code, http.StatusBadRequest)
			gt.S(t, rec.Body.String()).Contains(`"error"`)
		})
	}
}

func TestCritique(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/critique", `{"user_id": "u1", "claim": "attention is all you need"}`)
	gt.Equal(t, rec.Code, http.StatusOK)

	var report adversarial.Report
	gt.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	gt.Equal(t, report.Claim, "attention is all you need")
	gt.Equal(t, report.Narrative, "fixed reply")

	rec = f.post(t, "/critique", `{"user_id": "u1", "claim": ""}`)
	gt.Equal(t, rec.Code, http.StatusBadRequest)
}

func TestPapers(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/papers", `{"id": "9", "owner_id": "u1", "title": "T", "text": "body of the paper"}`)
	gt.Equal(t, rec.Code, http.StatusCreated)
	gt.S(t, rec.Body.String()).Contains(`"paper_id":"9"`)
	gt.S(t, rec.Body.String()).Contains(`"summary":"a summary"`)

	_, err := f.store.Get(context.Background(), "paper_9_critique")
	gt.NoError(t, err)
}

func TestConsolidate(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/consolidate/ghost", "")
	gt.Equal(t, rec.Code, http.StatusNotFound)

	_, err := f.repo.Create(context.Background(), "u1")
	gt.NoError(t, err)
	rec = f.post(t, "/consolidate/u1", "")
	gt.Equal(t, rec.Code, http.StatusOK)
	gt.S(t, rec.Body.String()).Contains(`"state":"idle"`)

	rec = f.post(t, "/consolidate", "")
	gt.Equal(t, rec.Code, http.StatusOK)
	gt.S(t, rec.Body.String()).Contains(`"user_id":"u1"`)
}

func TestWebSocket(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	gt.NoError(t, err)
	defer conn.Close()

	gt.NoError(t, conn.WriteJSON(dialogue.Request{UserID: "u1", Message: "hello"}))
	var reply struct {
		Text      string `json:"text"`
		MessageID int64  `json:"message_id"`
		Error     string `json:"error"`
	}
	gt.NoError(t, conn.ReadJSON(&reply))
	gt.Equal(t, reply.Text, "fixed reply")
	gt.Equal(t, reply.Error, "")

	gt.NoError(t, conn.WriteJSON(dialogue.Request{UserID: "u1"}))
	reply.Text, reply.Error = "", ""
	gt.NoError(t, conn.ReadJSON(&reply))
	gt.Equal(t, reply.Text, "")
	gt.S(t, reply.Error).Contains("message is empty")
}

func TestHealthService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.srv.Health().Check(ctx, &healthpb.HealthCheckRequest{})
	gt.NoError(t, err)
	gt.Equal(t, resp.Status, healthpb.HealthCheckResponse_SERVING)

	f.srv.Health().Shutdown()
	resp, err = f.srv.Health().Check(ctx, &healthpb.HealthCheckRequest{})
	gt.NoError(t, err)
	gt.Equal(t, resp.Status, healthpb.HealthCheckResponse_NOT_SERVING)
}
