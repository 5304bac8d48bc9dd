package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/joi-mesh/internal/ingest"
	"github.com/nugget/joi-mesh/internal/llm"
	"github.com/nugget/joi-mesh/internal/meshauth"
	"github.com/nugget/joi-mesh/internal/memory"
	"github.com/nugget/joi-mesh/internal/policy"
	"github.com/nugget/joi-mesh/internal/prompts"
	"github.com/nugget/joi-mesh/internal/queue"
	"github.com/nugget/joi-mesh/internal/ratelimit"
)

// stubLLM is a canned llm.Client for assistant-server tests.
type stubLLM struct {
	reply    string
	lastMsgs []llm.Message
}

func (s *stubLLM) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	s.lastMsgs = messages
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: s.reply}}, nil
}

func (s *stubLLM) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return s.Chat(ctx, model, messages, tools)
}

func (s *stubLLM) Ping(ctx context.Context) error { return nil }

func newTestAssistantServer(t *testing.T, llmClient llm.Client, meshURL string) *AssistantServer {
	t.Helper()

	store, err := memory.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	rotator := meshauth.NewKeyRotator([]byte("assistant-test-secret-0000000000"), "")
	verifier := &meshauth.Verifier{
		Rotator:   rotator,
		Nonces:    meshauth.NewNonceStore(15 * time.Minute),
		Tolerance: 300 * time.Second,
	}

	state, err := policy.NewAssistantState(filepath.Join(t.TempDir(), "policy.json"), policy.FileConfig{Mode: "companion"})
	if err != nil {
		t.Fatalf("new assistant state: %v", err)
	}

	ingestRoot := t.TempDir()
	ingester := ingest.New(ingest.DefaultConfig(ingestRoot), store, slog.Default())

	compactor := memory.NewCompactor(store, memory.DefaultCompactionConfig(), &stubSummarizer{}, slog.Default())

	var meshClient *MeshClient
	if meshURL != "" {
		meshClient = NewMeshClient(meshURL, rotator, 5*time.Second)
	}

	return &AssistantServer{
		Store:         store,
		Queue:         queue.New(slog.Default()),
		LLM:           llmClient,
		Model:         "test-model",
		Prompts:       prompts.New(t.TempDir()),
		State:         state,
		Verifier:      verifier,
		Rotator:       rotator,
		Mesh:          meshClient,
		Ingest:        ingester,
		Compactor:     compactor,
		Outbound:      ratelimit.NewOutboundLimiter(1000),
		Cooldown:      ratelimit.NewCooldown(0, 0),
		RecentN:       20,
		TimeAwareness: false,
		QueueTimeout:  5 * time.Second,
		DefaultGrace:  60 * time.Second,
		Logger:        slog.Default(),
	}
}

// stubSummarizer satisfies memory.Summarizer without calling an LLM.
type stubSummarizer struct{}

func (stubSummarizer) ExtractFacts(ctx context.Context, transcript string) (string, error) {
	return "[]", nil
}

func (stubSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	return "summary", nil
}

func assistantRotatorSign(rotator *meshauth.KeyRotator, body []byte) (nonce, ts, mac string) {
	return rotator.Sign(body)
}

func signedAssistantRequest(t *testing.T, rotator *meshauth.KeyRotator, method, target string, body []byte) *http.Request {
	t.Helper()
	nonce, ts, mac := assistantRotatorSign(rotator, body)
	req := httptest.NewRequest(method, target, bytesReader(body))
	req.Header.Set("X-Nonce", nonce)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-HMAC-SHA256", mac)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestAssistantHandleInboundDirectMessageStoresAndReplies(t *testing.T) {
	stub := &stubLLM{reply: "hi there"}

	meshSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, OutboundResponse{Status: "ok", Data: &OutboundData{SentAt: 123}})
	}))
	defer meshSrv.Close()

	a := newTestAssistantServer(t, stub, meshSrv.URL)

	body, _ := json.Marshal(InboundMessage{
		MessageID:    "m1",
		Sender:       policy.Sender{ID: "u1", TransportID: "+15551112222", DisplayName: "Alice"},
		Conversation: policy.Conversation{ID: "convo-1", Type: "direct"},
		Content:      policy.Content{Type: "text", Text: "hello bot"},
		Priority:     "normal",
		Timestamp:    1700000000000,
	})

	req := signedAssistantRequest(t, a.Rotator, http.MethodPost, "/api/v1/message/inbound", body)
	rec := httptest.NewRecorder()
	a.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Give the single-worker queue a moment to process the reply.
	deadline := time.Now().Add(2 * time.Second)
	var msgs []memory.Message
	for time.Now().Before(deadline) {
		var err error
		msgs, err = a.Store.GetRecentMessages("convo-1", 10)
		if err != nil {
			t.Fatalf("get recent messages: %v", err)
		}
		if len(msgs) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(msgs) < 2 {
		t.Fatalf("expected inbound + outbound messages stored, got %d", len(msgs))
	}
}

func TestAssistantHandleInboundGroupRequiresMention(t *testing.T) {
	stub := &stubLLM{reply: "hi there"}
	a := newTestAssistantServer(t, stub, "")

	body, _ := json.Marshal(InboundMessage{
		MessageID:    "m2",
		Sender:       policy.Sender{ID: "u2", TransportID: "+15551113333"},
		Conversation: policy.Conversation{ID: "group-1", Type: "group"},
		Content:      policy.Content{Type: "text", Text: "just chatting, no mention"},
		BotMentioned: false,
		Priority:     "normal",
	})

	req := signedAssistantRequest(t, a.Rotator, http.MethodPost, "/api/v1/message/inbound", body)
	rec := httptest.NewRecorder()
	a.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	time.Sleep(50 * time.Millisecond)
	msgs, err := a.Store.GetRecentMessages("group-1", 10)
	if err != nil {
		t.Fatalf("get recent messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected only the inbound message stored (no reply without mention), got %d", len(msgs))
	}
}

func TestAssistantHandleInboundRejectsEmptyText(t *testing.T) {
	stub := &stubLLM{reply: "hi"}
	a := newTestAssistantServer(t, stub, "")

	body, _ := json.Marshal(InboundMessage{
		MessageID:    "m3",
		Sender:       policy.Sender{TransportID: "+1"},
		Conversation: policy.Conversation{ID: "convo-3", Type: "direct"},
		Content:      policy.Content{Type: "text", Text: ""},
	})

	req := signedAssistantRequest(t, a.Rotator, http.MethodPost, "/api/v1/message/inbound", body)
	rec := httptest.NewRecorder()
	a.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty text content, got %d", rec.Code)
	}
}

func TestAssistantHandleReactionStoresOnly(t *testing.T) {
	stub := &stubLLM{reply: "noted"}
	a := newTestAssistantServer(t, stub, "")

	body, _ := json.Marshal(InboundMessage{
		MessageID:    "m4",
		Sender:       policy.Sender{TransportID: "+1"},
		Conversation: policy.Conversation{ID: "convo-4", Type: "direct"},
		Content:      policy.Content{Type: "reaction", Reaction: "👍"},
		StoreOnly:    true,
	})

	req := signedAssistantRequest(t, a.Rotator, http.MethodPost, "/api/v1/message/inbound", body)
	rec := httptest.NewRecorder()
	a.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	time.Sleep(50 * time.Millisecond)
	msgs, err := a.Store.GetRecentMessages("convo-4", 10)
	if err != nil {
		t.Fatalf("get recent messages: %v", err)
	}
	// reactions are content_type "reaction", filtered from the text-only
	// recent-messages query, so none should appear here.
	if len(msgs) != 0 {
		t.Fatalf("expected reaction not to surface as a text message, got %d", len(msgs))
	}
}

func TestAssistantMaybeRememberFactStoresExtractedFact(t *testing.T) {
	stub := &stubLLM{reply: `{"category":"preference","key":"favorite_color","value":"The user's favorite color is blue."}`}
	a := newTestAssistantServer(t, stub, "")

	body, _ := json.Marshal(InboundMessage{
		MessageID:    "m5",
		Sender:       policy.Sender{TransportID: "+1"},
		Conversation: policy.Conversation{ID: "convo-5", Type: "group"},
		Content:      policy.Content{Type: "text", Text: "Remember that my favorite color is blue"},
	})

	req := signedAssistantRequest(t, a.Rotator, http.MethodPost, "/api/v1/message/inbound", body)
	rec := httptest.NewRecorder()
	a.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	facts, err := a.Store.GetFacts("convo-5", "", 0, 10)
	if err != nil {
		t.Fatalf("get facts: %v", err)
	}
	if len(facts) != 1 || facts[0].Key != "favorite_color" {
		t.Fatalf("expected one remembered fact, got %+v", facts)
	}
}

func TestAssistantHandleDocumentIngestWritesAttachment(t *testing.T) {
	stub := &stubLLM{reply: ""}
	a := newTestAssistantServer(t, stub, "")

	content := base64.StdEncoding.EncodeToString([]byte("# Title\n\nSome knowledge text to ingest for tests."))
	body, _ := json.Marshal(DocumentIngestRequest{
		Filename:      "notes.md",
		Scope:         "family",
		ContentBase64: content,
	})

	req := signedAssistantRequest(t, a.Rotator, http.MethodPost, "/api/v1/document/ingest", body)
	rec := httptest.NewRecorder()
	a.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	scopes, err := a.Store.KnowledgeScopes()
	if err != nil {
		t.Fatalf("knowledge scopes: %v", err)
	}
	found := false
	for _, s := range scopes {
		if s == "family" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected family scope to be ingested, got %v", scopes)
	}
}

func TestAssistantAdminSurfaceRequiresLoopback(t *testing.T) {
	stub := &stubLLM{reply: ""}
	a := newTestAssistantServer(t, stub, "")

	req := httptest.NewRequest(http.MethodGet, "/admin/config/status", nil)
	req.RemoteAddr = "8.8.8.8:9999"
	rec := httptest.NewRecorder()
	a.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-loopback admin access, got %d", rec.Code)
	}
}

func TestAssistantAdminConfigStatusFromLoopback(t *testing.T) {
	stub := &stubLLM{reply: ""}
	a := newTestAssistantServer(t, stub, "")

	req := httptest.NewRequest(http.MethodGet, "/admin/config/status", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	a.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAssistantAdminKillSwitchUpdatesStateAndPushes(t *testing.T) {
	stub := &stubLLM{reply: ""}

	var pushed policy.PushPayload
	meshSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&pushed); err != nil {
			t.Errorf("decode config push: %v", err)
		}
		hash, _ := pushed.FileConfig.Hash()
		writeJSON(w, http.StatusOK, ConfigSyncResponse{Status: "ok", Data: ConfigSyncData{ConfigHash: hash}})
	}))
	defer meshSrv.Close()

	a := newTestAssistantServer(t, stub, meshSrv.URL)

	body := []byte{}
	req := signedAssistantRequest(t, a.Rotator, http.MethodPost, "/admin/security/kill-switch?active=true", body)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	a.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !pushed.FileConfig.Security.KillSwitch {
		t.Fatalf("expected kill switch to be pushed as active")
	}

	fc, _ := a.State.Current()
	if !fc.Security.KillSwitch {
		t.Fatalf("expected assistant state to retain kill switch active")
	}
}

func TestAssistantAdminRAGScopesAndSearch(t *testing.T) {
	stub := &stubLLM{reply: ""}
	a := newTestAssistantServer(t, stub, "")

	if err := a.Store.ReplaceKnowledgeSource("work", "work/notes.md", []string{"quarterly planning notes"}, func(i int, c string) string {
		return "notes"
	}); err != nil {
		t.Fatalf("seed knowledge: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/rag/scopes", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	a.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	searchReq := httptest.NewRequest(http.MethodGet, "/admin/rag/search?q=quarterly", nil)
	searchReq.RemoteAddr = "127.0.0.1:5555"
	searchRec := httptest.NewRecorder()
	a.Routes().ServeHTTP(searchRec, searchReq)
	if searchRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", searchRec.Code, searchRec.Body.String())
	}
}
