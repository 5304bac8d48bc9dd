package signal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/joi-mesh/internal/policy"
)

type stubSigner struct{}

func (stubSigner) Sign(body []byte) (nonce, timestamp, mac string) {
	return "nonce", "123", "mac"
}

func testForwarderPolicy() *policy.Policy {
	fc := policy.FileConfig{}
	fc.Identity.AllowedSenders = []string{"+10000000000"}
	return policy.FromFileConfig(fc)
}

func TestForwarderForwardsAdmittedMessage(t *testing.T) {
	var received atomic.Int64
	var mu sync.Mutex
	var gotBody InboundMessage

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	client := &Client{messages: make(chan *Envelope, 4), receipts: make(chan *ReceiptMessage, 4)}
	f := NewForwarder(client, testForwarderPolicy(), stubSigner{}, srv.URL, "+19999999999", nil)

	env := &Envelope{
		Source:       "+10000000000",
		SourceNumber: "+10000000000",
		Timestamp:    time.Now().UnixMilli(),
		DataMessage: &DataMessage{
			Message:   "hello",
			Timestamp: time.Now().UnixMilli(),
		},
	}
	f.handleEnvelope(env)

	deadline := time.Now().Add(2 * time.Second)
	for received.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if received.Load() != 1 {
		t.Fatalf("expected exactly one forward, got %d", received.Load())
	}

	mu.Lock()
	defer mu.Unlock()
	if gotBody.Content.Text != "hello" {
		t.Fatalf("expected forwarded text 'hello', got %q", gotBody.Content.Text)
	}
}

func TestForwarderDropsUnknownSender(t *testing.T) {
	var received atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &Client{messages: make(chan *Envelope, 4), receipts: make(chan *ReceiptMessage, 4)}
	f := NewForwarder(client, testForwarderPolicy(), stubSigner{}, srv.URL, "+19999999999", nil)

	env := &Envelope{
		Source:       "+19990000000",
		SourceNumber: "+19990000000",
		Timestamp:    time.Now().UnixMilli(),
		DataMessage:  &DataMessage{Message: "hi"},
	}
	f.handleEnvelope(env)

	time.Sleep(50 * time.Millisecond)
	if received.Load() != 0 {
		t.Fatalf("expected no forward for unknown sender, got %d", received.Load())
	}
}

func TestForwarderDedupesDuplicateMessageID(t *testing.T) {
	var received atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &Client{messages: make(chan *Envelope, 4), receipts: make(chan *ReceiptMessage, 4)}
	f := NewForwarder(client, testForwarderPolicy(), stubSigner{}, srv.URL, "+19999999999", nil)

	ts := time.Now().UnixMilli()
	env := &Envelope{
		Source:       "+10000000000",
		SourceNumber: "+10000000000",
		Timestamp:    ts,
		DataMessage:  &DataMessage{Message: "hi", Timestamp: ts},
	}
	f.handleEnvelope(env)
	f.handleEnvelope(env)

	deadline := time.Now().Add(2 * time.Second)
	for received.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if received.Load() != 1 {
		t.Fatalf("expected exactly one forward for duplicate envelope, got %d", received.Load())
	}
}
