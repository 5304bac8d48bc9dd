package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/nugget/joi-mesh/internal/httpkit"
	"github.com/nugget/joi-mesh/internal/policy"
)

// forwardWorkers bounds the concurrent POSTs to the assistant, keeping
// the receive loop non-blocking without the unbounded
// thread-per-message fan-out of a fire-and-forget daemon thread per
// call (mesh/proxy/forwarder.py's model, generalized to a fixed pool).
const forwardWorkers = 4

// maxForwardAttempts caps the retry count for a single forward; after
// this many failures the job is dropped and logged.
const maxForwardAttempts = 3

// forwardBackoffBase is the base delay for exponential backoff between
// forward attempts (doubles each retry: base, 2*base, 4*base...).
const forwardBackoffBase = 500 * time.Millisecond

// Signer produces the three signed-request headers for an outgoing
// body, per internal/meshauth.Signer / internal/httpkit.Signer.
type Signer interface {
	Sign(body []byte) (nonce, timestamp, mac string)
}

// Forwarder normalizes signal-cli envelopes, runs them through a
// policy gate, dedupes by message_id, and forwards admitted messages
// to the assistant over signed HTTP using a bounded worker pool with
// capped exponential-backoff retries.
type Forwarder struct {
	client     *Client
	policy     *policy.Policy
	signer     Signer
	httpClient *http.Client
	inboundURL string
	ownerID    string
	logger     *slog.Logger

	jobs chan forwardJob

	mu   sync.Mutex
	seen map[[blake2b.Size256]byte]time.Time // dedup key -> first-seen
}

type forwardJob struct {
	msg InboundMessage
}

// NewForwarder creates a Forwarder. inboundURL is the assistant's
// /api/v1/message/inbound endpoint.
func NewForwarder(client *Client, pol *policy.Policy, signer Signer, inboundURL, ownerTransportID string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Forwarder{
		client:     client,
		policy:     pol,
		signer:     signer,
		httpClient: httpkit.NewClient(),
		inboundURL: inboundURL,
		ownerID:    ownerTransportID,
		logger:     logger,
		jobs:       make(chan forwardJob, 256),
		seen:       make(map[[blake2b.Size256]byte]time.Time),
	}
	for i := 0; i < forwardWorkers; i++ {
		go f.worker()
	}
	return f
}

// Run consumes the client's message channel until ctx is cancelled or
// the channel closes. The receipt channel is left to cmd/mesh, which
// owns both the Forwarder and the delivery.Tracker and feeds every
// receipt into the tracker directly.
func (f *Forwarder) Run(ctx context.Context) {
	messages := f.client.Messages()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-messages:
			if !ok {
				return
			}
			f.handleEnvelope(env)
		}
	}
}

func (f *Forwarder) handleEnvelope(env *Envelope) {
	if env.Source == "" || !hasContent(env) {
		return
	}

	pe, msg := normalize(env, f.ownerID)

	if pe.Conversation.Type == "group" {
		msg.GroupNames = f.policy.BotNames(pe.Conversation.ID)
	}

	if !f.policy.IsAllowedSender(pe.Sender.TransportID) {
		f.logger.Warn("Dropping sender", "sender", pe.Sender.TransportID, "reason", "unknown_sender")
		return
	}

	decision := f.policy.EvaluateInbound(pe, time.Now())
	if !decision.Allowed {
		f.logger.Warn("Dropping sender", "sender", pe.Sender.TransportID, "reason", decision.Reason)
		return
	}
	msg.StoreOnly = decision.StoreOnly

	if f.alreadySeen(msg.MessageID) {
		f.logger.Debug("signal duplicate message_id, dropping", "message_id", msg.MessageID)
		return
	}

	select {
	case f.jobs <- forwardJob{msg: msg}:
	default:
		f.logger.Warn("signal forward queue full, dropping message", "message_id", msg.MessageID)
	}
}

// alreadySeen reports whether messageID has been forwarded before.
// Keys are hashed through blake2b rather than stored raw so the dedup
// map holds a fixed-size key regardless of how long signal-cli's
// message_id strings run.
func (f *Forwarder) alreadySeen(messageID string) bool {
	key := blake2b.Sum256([]byte(messageID))
	now := time.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.seen[key]; ok {
		return true
	}
	f.seen[key] = now

	// Bound the dedup set's memory by dropping old entries opportunistically.
	if len(f.seen) > 4096 {
		cutoff := now.Add(-time.Hour)
		for id, t := range f.seen {
			if t.Before(cutoff) {
				delete(f.seen, id)
			}
		}
	}
	return false
}

func (f *Forwarder) worker() {
	for job := range f.jobs {
		f.forwardWithRetry(job.msg)
	}
}

func (f *Forwarder) forwardWithRetry(msg InboundMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		f.logger.Error("signal forward marshal failed", "message_id", msg.MessageID, "error", err)
		return
	}

	delay := forwardBackoffBase
	var lastErr error
	for attempt := 1; attempt <= maxForwardAttempts; attempt++ {
		if err := f.forwardOnce(body); err != nil {
			lastErr = err
			if attempt < maxForwardAttempts {
				time.Sleep(delay)
				delay *= 2
			}
			continue
		}
		f.logger.Debug("forwarded message to assistant", "message_id", msg.MessageID)
		return
	}
	f.logger.Error("forward to assistant failed", "message_id", msg.MessageID, "attempts", maxForwardAttempts, "error", lastErr)
}

func (f *Forwarder) forwardOnce(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := httpkit.NewSignedRequest(ctx, http.MethodPost, f.inboundURL, body, f.signer)
	if err != nil {
		return fmt.Errorf("build signed request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post inbound message: %w", err)
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("inbound forward: %s", httpkit.ReadErrorBody(resp.Body, 4096))
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}
