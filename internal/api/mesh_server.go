package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/nugget/joi-mesh/internal/delivery"
	"github.com/nugget/joi-mesh/internal/meshauth"
	"github.com/nugget/joi-mesh/internal/policy"
	"github.com/nugget/joi-mesh/internal/ratelimit"
)

// maxOutboundTextLength bounds outbound message bodies, per spec §4.11
// step 2.
const maxOutboundTextLength = 2048

// SignalSender is the minimal send capability the mesh server needs
// from a signal-cli client, narrowed so this package doesn't depend on
// internal/signal's transport machinery.
type SignalSender interface {
	Send(ctx context.Context, recipient, message string) (int64, error)
	SendGroup(ctx context.Context, groupID, message string) (int64, error)
}

// MeshServer is the mesh process's HTTP surface: outbound send and the
// config-sync/status endpoints the assistant calls (spec §4.1, §4.11).
type MeshServer struct {
	Policy    *policy.Holder
	Verifier  *meshauth.Verifier
	Rotator   *meshauth.KeyRotator
	Signal    SignalSender
	Tracker   *delivery.Tracker
	Outbound  *ratelimit.Windowed
	Escalated *ratelimit.Windowed
	Timeout   time.Duration
	Logger    *slog.Logger
}

// NewMeshServer constructs a MeshServer with its dependencies wired.
func NewMeshServer(
	pol *policy.Holder,
	verifier *meshauth.Verifier,
	rotator *meshauth.KeyRotator,
	signal SignalSender,
	tracker *delivery.Tracker,
	outbound, escalated *ratelimit.Windowed,
	timeout time.Duration,
	logger *slog.Logger,
) *MeshServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeshServer{
		Policy:    pol,
		Verifier:  verifier,
		Rotator:   rotator,
		Signal:    signal,
		Tracker:   tracker,
		Outbound:  outbound,
		Escalated: escalated,
		Timeout:   timeout,
		Logger:    logger,
	}
}

// Routes builds the mesh's HTTP handler.
func (m *MeshServer) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", m.handleHealth)
	mux.Handle("POST /api/v1/message/outbound", m.Verifier.Middleware(http.HandlerFunc(m.handleOutbound)))
	mux.Handle("POST /config/sync", m.Verifier.Middleware(http.HandlerFunc(m.handleConfigSync)))
	mux.Handle("GET /config/status", m.Verifier.Middleware(http.HandlerFunc(m.handleConfigStatus)))
	return mux
}

func (m *MeshServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (m *MeshServer) handleOutbound(w http.ResponseWriter, r *http.Request) {
	if pol, _ := m.Policy.Current(); pol != nil && pol.KillSwitch {
		writeError(w, http.StatusServiceUnavailable, "kill_switch_active", "kill switch is active")
		return
	}

	var msg OutboundMessage
	if err := decodeJSON(r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "malformed outbound message")
		return
	}

	if msg.Transport != "signal" || msg.Content.Type != "text" || msg.Content.Text == "" {
		writeError(w, http.StatusBadRequest, "invalid_content", "transport must be signal and content.type must be text")
		return
	}
	if utf8.RuneCountInString(msg.Content.Text) > maxOutboundTextLength {
		writeError(w, http.StatusBadRequest, "text_too_long", fmt.Sprintf("outbound text exceeds %d characters", maxOutboundTextLength))
		return
	}
	if msg.Delivery.Target == "group" && msg.Delivery.GroupID == "" {
		writeError(w, http.StatusBadRequest, "invalid_content", "delivery.group_id is required for group delivery")
		return
	}
	if msg.Delivery.Target != "group" && msg.Recipient.TransportID == "" {
		writeError(w, http.StatusBadRequest, "invalid_content", "recipient.transport_id is required for direct delivery")
		return
	}

	if msg.Priority != "critical" {
		limiter := m.Outbound
		if msg.Escalated {
			limiter = m.Escalated
		}
		key := msg.Recipient.TransportID
		if msg.Delivery.Target == "group" {
			key = msg.Delivery.GroupID
		}
		result := limiter.CheckAndAdd(key, time.Now())
		if !result.Allowed {
			writeError(w, http.StatusTooManyRequests, result.Reason, "outbound rate limit exceeded for recipient")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), m.Timeout)
	defer cancel()

	var (
		sentAt int64
		err    error
	)
	if msg.Delivery.Target == "group" {
		sentAt, err = m.Signal.SendGroup(ctx, msg.Delivery.GroupID, msg.Content.Text)
	} else {
		sentAt, err = m.Signal.Send(ctx, msg.Recipient.TransportID, msg.Content.Text)
	}
	if err != nil {
		m.Logger.Error("outbound send failed", "recipient", msg.Recipient.TransportID, "delivery", msg.Delivery.Target, "error", err)
		writeError(w, http.StatusBadGateway, "send_failed", err.Error())
		return
	}

	m.Tracker.Register(sentAt)

	writeJSON(w, http.StatusOK, OutboundResponse{
		Status: "ok",
		Data: &OutboundData{
			MessageID: fmt.Sprintf("%d", sentAt),
			Transport: "signal",
			SentAt:    sentAt,
			Delivered: false,
		},
	})
}

func (m *MeshServer) handleConfigSync(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, meshauth.MaxSignedBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to read request body")
		return
	}

	hash, err := policy.CanonicalHash(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	var payload policy.PushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "malformed policy payload")
		return
	}

	if payload.HMACRotation != nil {
		effectiveAt := time.UnixMilli(payload.HMACRotation.EffectiveAtMs)
		grace := time.Duration(payload.HMACRotation.GracePeriodMs) * time.Millisecond
		if err := m.Rotator.AcceptRotation(payload.HMACRotation.NewSecretHex, effectiveAt, grace); err != nil {
			m.Logger.Error("accept hmac rotation failed", "error", err)
			writeError(w, http.StatusBadRequest, "invalid_rotation", err.Error())
			return
		}
	}

	pol := policy.FromFileConfig(payload.FileConfig)
	m.Policy.Replace(pol, hash)
	m.Logger.Info("config pushed", "config_hash", hash, "mode", pol.Mode)

	writeJSON(w, http.StatusOK, ConfigSyncResponse{
		Status: "ok",
		Data:   ConfigSyncData{ConfigHash: hash, AppliedAt: time.Now().UnixMilli()},
	})
}

func (m *MeshServer) handleConfigStatus(w http.ResponseWriter, r *http.Request) {
	_, hash := m.Policy.Current()
	writeJSON(w, http.StatusOK, ConfigStatusResponse{Status: "ok", Data: ConfigStatusData{ConfigHash: hash}})
}
