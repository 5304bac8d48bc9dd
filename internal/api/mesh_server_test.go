package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nugget/joi-mesh/internal/delivery"
	"github.com/nugget/joi-mesh/internal/meshauth"
	"github.com/nugget/joi-mesh/internal/policy"
	"github.com/nugget/joi-mesh/internal/ratelimit"
)

type fakeSignal struct {
	sentTo      string
	sentGroup   string
	sentText    string
	returnTS    int64
	returnErr   error
	groupCalled bool
}

func (f *fakeSignal) Send(ctx context.Context, recipient, message string) (int64, error) {
	f.sentTo = recipient
	f.sentText = message
	if f.returnErr != nil {
		return 0, f.returnErr
	}
	return f.returnTS, nil
}

func (f *fakeSignal) SendGroup(ctx context.Context, groupID, message string) (int64, error) {
	f.groupCalled = true
	f.sentGroup = groupID
	f.sentText = message
	if f.returnErr != nil {
		return 0, f.returnErr
	}
	return f.returnTS, nil
}

func newTestMeshServer(t *testing.T, fc policy.FileConfig, signal *fakeSignal) (*MeshServer, *meshauth.KeyRotator) {
	t.Helper()

	rotator := meshauth.NewKeyRotator([]byte("mesh-test-secret-0000000000000000"), "")
	verifier := &meshauth.Verifier{
		Rotator:   rotator,
		Nonces:    meshauth.NewNonceStore(15 * time.Minute),
		Tolerance: 300 * time.Second,
	}

	hash, err := fc.Hash()
	if err != nil {
		t.Fatalf("hash config: %v", err)
	}
	holder := policy.NewHolder(policy.FromFileConfig(fc), hash)

	srv := NewMeshServer(
		holder,
		verifier,
		rotator,
		signal,
		delivery.New(time.Hour),
		ratelimit.NewWindowed(10, 60),
		ratelimit.NewWindowed(20, 120),
		5*time.Second,
		slog.Default(),
	)
	return srv, rotator
}

func signedRequest(t *testing.T, rotator *meshauth.KeyRotator, method, target string, body []byte) *http.Request {
	t.Helper()
	nonce, ts, mac := rotator.Sign(body)
	req := httptest.NewRequest(method, target, bytesReader(body))
	req.Header.Set("X-Nonce", nonce)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-HMAC-SHA256", mac)
	return req
}

func TestMeshHandleOutboundSendsDirect(t *testing.T) {
	signal := &fakeSignal{returnTS: 1700000000000}
	srv, rotator := newTestMeshServer(t, policy.FileConfig{}, signal)

	body, _ := json.Marshal(OutboundMessage{
		Transport: "signal",
		Recipient: Recipient{ID: "u1", TransportID: "+15551234567"},
		Priority:  "normal",
		Delivery:  Delivery{Target: "direct"},
		Content:   OutboundContent{Type: "text", Text: "hello"},
	})

	req := signedRequest(t, rotator, http.MethodPost, "/api/v1/message/outbound", body)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if signal.sentTo != "+15551234567" || signal.sentText != "hello" {
		t.Fatalf("expected direct send to recipient, got to=%q text=%q", signal.sentTo, signal.sentText)
	}

	var resp OutboundResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Data.SentAt != 1700000000000 {
		t.Fatalf("expected sent_at to round-trip, got %d", resp.Data.SentAt)
	}
}

func TestMeshHandleOutboundGroupDelivery(t *testing.T) {
	signal := &fakeSignal{returnTS: 42}
	srv, rotator := newTestMeshServer(t, policy.FileConfig{}, signal)

	body, _ := json.Marshal(OutboundMessage{
		Transport: "signal",
		Priority:  "normal",
		Delivery:  Delivery{Target: "group", GroupID: "group-1"},
		Content:   OutboundContent{Type: "text", Text: "hi all"},
	})

	req := signedRequest(t, rotator, http.MethodPost, "/api/v1/message/outbound", body)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !signal.groupCalled || signal.sentGroup != "group-1" {
		t.Fatalf("expected group send to group-1, got called=%v group=%q", signal.groupCalled, signal.sentGroup)
	}
}

func TestMeshHandleOutboundKillSwitch(t *testing.T) {
	fc := policy.FileConfig{}
	fc.Security.KillSwitch = true
	signal := &fakeSignal{}
	srv, rotator := newTestMeshServer(t, fc, signal)

	body, _ := json.Marshal(OutboundMessage{
		Transport: "signal",
		Recipient: Recipient{TransportID: "+1"},
		Delivery:  Delivery{Target: "direct"},
		Content:   OutboundContent{Type: "text", Text: "hi"},
	})

	req := signedRequest(t, rotator, http.MethodPost, "/api/v1/message/outbound", body)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 kill switch, got %d", rec.Code)
	}
}

func TestMeshHandleOutboundTextTooLong(t *testing.T) {
	signal := &fakeSignal{}
	srv, rotator := newTestMeshServer(t, policy.FileConfig{}, signal)

	longText := make([]byte, maxOutboundTextLength+1)
	for i := range longText {
		longText[i] = 'a'
	}
	body, _ := json.Marshal(OutboundMessage{
		Transport: "signal",
		Recipient: Recipient{TransportID: "+1"},
		Delivery:  Delivery{Target: "direct"},
		Content:   OutboundContent{Type: "text", Text: string(longText)},
	})

	req := signedRequest(t, rotator, http.MethodPost, "/api/v1/message/outbound", body)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 text_too_long, got %d", rec.Code)
	}
}

func TestMeshHandleOutboundRateLimited(t *testing.T) {
	signal := &fakeSignal{returnTS: 1}
	srv, rotator := newTestMeshServer(t, policy.FileConfig{}, signal)
	srv.Outbound = ratelimit.NewWindowed(1, 1)

	send := func() int {
		body, _ := json.Marshal(OutboundMessage{
			Transport: "signal",
			Recipient: Recipient{TransportID: "+15550000000"},
			Delivery:  Delivery{Target: "direct"},
			Content:   OutboundContent{Type: "text", Text: "x"},
		})
		req := signedRequest(t, rotator, http.MethodPost, "/api/v1/message/outbound", body)
		rec := httptest.NewRecorder()
		srv.Routes().ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(); code != http.StatusOK {
		t.Fatalf("expected first send to succeed, got %d", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Fatalf("expected second send to be rate limited, got %d", code)
	}
}

func TestMeshHandleOutboundCriticalBypassesRateLimit(t *testing.T) {
	signal := &fakeSignal{returnTS: 1}
	srv, rotator := newTestMeshServer(t, policy.FileConfig{}, signal)
	srv.Outbound = ratelimit.NewWindowed(1, 1)

	send := func(priority string) int {
		body, _ := json.Marshal(OutboundMessage{
			Transport: "signal",
			Priority:  priority,
			Recipient: Recipient{TransportID: "+15550000001"},
			Delivery:  Delivery{Target: "direct"},
			Content:   OutboundContent{Type: "text", Text: "x"},
		})
		req := signedRequest(t, rotator, http.MethodPost, "/api/v1/message/outbound", body)
		rec := httptest.NewRecorder()
		srv.Routes().ServeHTTP(rec, req)
		return rec.Code
	}

	send("normal")
	if code := send("critical"); code != http.StatusOK {
		t.Fatalf("expected critical send to bypass rate limit, got %d", code)
	}
}

func TestMeshHandleOutboundSendFailure(t *testing.T) {
	signal := &fakeSignal{returnErr: errors.New("transport down")}
	srv, rotator := newTestMeshServer(t, policy.FileConfig{}, signal)

	body, _ := json.Marshal(OutboundMessage{
		Transport: "signal",
		Recipient: Recipient{TransportID: "+1"},
		Delivery:  Delivery{Target: "direct"},
		Content:   OutboundContent{Type: "text", Text: "hi"},
	})

	req := signedRequest(t, rotator, http.MethodPost, "/api/v1/message/outbound", body)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 send_failed, got %d", rec.Code)
	}
}

func TestMeshHandleConfigSyncReplacesPolicy(t *testing.T) {
	signal := &fakeSignal{}
	srv, rotator := newTestMeshServer(t, policy.FileConfig{}, signal)

	fc := policy.FileConfig{Mode: "business", DMGroupKnowledge: true}
	fc.Identity.BotName = "Joi"
	payload := policy.PushPayload{FileConfig: fc, TimestampMs: time.Now().UnixMilli()}
	body, _ := json.Marshal(payload)

	req := signedRequest(t, rotator, http.MethodPost, "/config/sync", body)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	pol, hash := srv.Policy.Current()
	if pol.Mode != "business" || !pol.DMGroupKnowledge {
		t.Fatalf("expected policy to be replaced, got %+v", pol)
	}
	wantHash, _ := fc.Hash()
	if hash != wantHash {
		t.Fatalf("expected returned hash to match fc.Hash(), got %s vs %s", hash, wantHash)
	}
}

func TestMeshHandleConfigStatusReflectsCurrentHash(t *testing.T) {
	fc := policy.FileConfig{Mode: "companion"}
	signal := &fakeSignal{}
	srv, rotator := newTestMeshServer(t, fc, signal)

	req := signedRequest(t, rotator, http.MethodGet, "/config/status", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp ConfigStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	wantHash, _ := fc.Hash()
	if resp.Data.ConfigHash != wantHash {
		t.Fatalf("expected status hash %s, got %s", wantHash, resp.Data.ConfigHash)
	}
}

func TestMeshHandleHealthUnauthenticated(t *testing.T) {
	signal := &fakeSignal{}
	srv, _ := newTestMeshServer(t, policy.FileConfig{}, signal)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected health check to succeed unauthenticated, got %d", rec.Code)
	}
}

func bytesReader(b []byte) *bytesReaderT {
	return (*bytesReaderT)(&b)
}

// bytesReaderT lets nil bodies behave like an empty reader for GET
// requests without importing bytes.Reader directly into every caller.
type bytesReaderT []byte

func (r *bytesReaderT) Read(p []byte) (int, error) {
	if len(*r) == 0 {
		return 0, io.EOF
	}
	n := copy(p, *r)
	*r = (*r)[n:]
	return n, nil
}
