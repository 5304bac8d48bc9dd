package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/joi-mesh/internal/ingest"
	"github.com/nugget/joi-mesh/internal/llm"
	"github.com/nugget/joi-mesh/internal/memory"
	"github.com/nugget/joi-mesh/internal/meshauth"
	"github.com/nugget/joi-mesh/internal/policy"
	"github.com/nugget/joi-mesh/internal/prompts"
	"github.com/nugget/joi-mesh/internal/queue"
	"github.com/nugget/joi-mesh/internal/ratelimit"
)

// rememberPattern recognizes an explicit memorization request, per spec
// §4.10 step 2 ("remember that I ...").
var rememberPattern = regexp.MustCompile(`(?i)^\s*remember that (i|my|i'm|i am)\b`)

// AssistantServer is the assistant process's HTTP surface: inbound
// message handling, document ingest, and the loopback/VPN-gated admin
// surface (spec §4.10, §4.1, §6).
type AssistantServer struct {
	Store     *memory.Store
	Queue     *queue.Queue
	LLM       llm.Client
	Model     string
	Prompts   *prompts.Resolver
	State     *policy.AssistantState
	Verifier  *meshauth.Verifier
	Rotator   *meshauth.KeyRotator
	Mesh      *MeshClient
	Ingest    *ingest.Ingester
	Compactor *memory.Compactor

	Outbound *ratelimit.OutboundLimiter
	Cooldown *ratelimit.Cooldown

	VPNCIDRs      []*net.IPNet
	RecentN       int
	TimeAwareness bool
	QueueTimeout  time.Duration
	DefaultGrace  time.Duration

	Logger *slog.Logger
}

var ragStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The admin surface is already loopback/VPN-gated before the
	// upgrade is attempted; no additional origin check is meaningful
	// for a same-host admin tool.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Routes builds the assistant's HTTP handler.
func (a *AssistantServer) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.Handle("POST /api/v1/message/inbound", a.Verifier.Middleware(http.HandlerFunc(a.handleInbound)))
	mux.Handle("POST /api/v1/document/ingest", a.Verifier.Middleware(http.HandlerFunc(a.handleDocumentIngest)))

	mux.HandleFunc("GET /admin/config/status", a.admin(a.handleAdminConfigStatus))
	mux.Handle("POST /admin/config/push", a.adminSigned(http.HandlerFunc(a.handleAdminConfigPush)))
	mux.Handle("POST /admin/hmac/rotate", a.adminSigned(http.HandlerFunc(a.handleAdminHMACRotate)))
	mux.HandleFunc("GET /admin/hmac/status", a.admin(a.handleAdminHMACStatus))
	mux.HandleFunc("GET /admin/security/status", a.admin(a.handleAdminSecurityStatus))
	mux.Handle("POST /admin/security/privacy-mode", a.adminSigned(http.HandlerFunc(a.handleAdminPrivacyMode)))
	mux.Handle("POST /admin/security/kill-switch", a.adminSigned(http.HandlerFunc(a.handleAdminKillSwitch)))
	mux.HandleFunc("GET /admin/rag/scopes", a.admin(a.handleAdminRAGScopes))
	mux.HandleFunc("GET /admin/rag/search", a.admin(a.handleAdminRAGSearch))

	return mux
}

func (a *AssistantServer) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !meshauth.AllowLoopbackOrVPN(r.RemoteAddr, a.VPNCIDRs) {
			writeError(w, http.StatusForbidden, "admin_forbidden", "admin surface is loopback/VPN only")
			return
		}
		next(w, r)
	}
}

func (a *AssistantServer) adminSigned(next http.Handler) http.Handler {
	return a.admin(func(w http.ResponseWriter, r *http.Request) {
		a.Verifier.Middleware(next).ServeHTTP(w, r)
	})
}

func (a *AssistantServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// --- inbound message pipeline (spec §4.10) ---

func (a *AssistantServer) handleInbound(w http.ResponseWriter, r *http.Request) {
	var msg InboundMessage
	if err := decodeJSON(r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "malformed inbound message")
		return
	}

	isOwner := msg.Priority == "critical"

	switch msg.Content.Type {
	case "reaction":
		a.handleReaction(r.Context(), msg, isOwner)
	case "text":
		if msg.Content.Text == "" {
			writeError(w, http.StatusBadRequest, "invalid_content", "text content must be non-empty")
			return
		}
		a.handleTextMessage(r.Context(), msg, isOwner)
	default:
		a.storeInbound(msg, "attachment")
	}

	writeJSON(w, http.StatusOK, InboundResponse{Status: "ok", MessageID: msg.MessageID})
}

func (a *AssistantServer) storeInbound(msg InboundMessage, contentType string) {
	channel := "direct"
	if msg.Priority == "critical" {
		channel = "critical"
	}

	replyTo := ""
	if msg.Quote != nil {
		replyTo = msg.Quote.MessageID
	}

	text := msg.Content.Text
	if contentType == "reaction" {
		text = msg.Content.Reaction
	}

	_, err := a.Store.StoreMessage(memory.StoreMessageParams{
		MessageID:      msg.MessageID,
		Direction:      "inbound",
		Channel:        channel,
		ContentType:    contentType,
		ContentText:    text,
		ConversationID: msg.Conversation.ID,
		ReplyToID:      replyTo,
		SenderID:       msg.Sender.TransportID,
		SenderName:     msg.Sender.DisplayName,
		Timestamp:      msg.Timestamp,
	})
	if err != nil {
		a.Logger.Error("store inbound message failed", "message_id", msg.MessageID, "error", err)
	}
}

func (a *AssistantServer) handleReaction(ctx context.Context, msg InboundMessage, isOwner bool) {
	a.storeInbound(msg, "reaction")
	if msg.StoreOnly {
		return
	}
	instruction := fmt.Sprintf("The user just reacted with %q to a prior message. Acknowledge it in one short, natural sentence.", msg.Content.Reaction)
	a.enqueueReply(ctx, msg, isOwner, instruction)
}

func (a *AssistantServer) handleTextMessage(ctx context.Context, msg InboundMessage, isOwner bool) {
	a.storeInbound(msg, "text")

	if !msg.StoreOnly {
		a.maybeRememberFact(ctx, msg)
	}

	if !a.shouldRespond(msg) {
		return
	}

	a.enqueueReply(ctx, msg, isOwner, "")
}

// shouldRespond implements spec §4.10's respond decision: never for
// store-only traffic; in a group, only when the bot was @-mentioned or
// explicitly tagged by one of its configured names.
func (a *AssistantServer) shouldRespond(msg InboundMessage) bool {
	if msg.StoreOnly {
		return false
	}
	if msg.Conversation.Type != "group" {
		return true
	}
	if msg.BotMentioned {
		return true
	}
	for _, name := range msg.GroupNames {
		if name == "" {
			continue
		}
		if regexp.MustCompile(`(?i)@`+regexp.QuoteMeta(name)+`\b`).MatchString(msg.Content.Text) {
			return true
		}
	}
	return false
}

func (a *AssistantServer) maybeRememberFact(ctx context.Context, msg InboundMessage) {
	if !rememberPattern.MatchString(msg.Content.Text) {
		return
	}

	prompt := fmt.Sprintf(
		"Extract exactly one fact to remember from this statement, as a strict JSON object "+
			"{\"category\":...,\"key\":...,\"value\":...}. The value must be a complete sentence. "+
			"Return only the JSON object. Statement: %q", msg.Content.Text,
	)
	resp, err := a.LLM.Chat(ctx, a.Model, []llm.Message{{Role: "user", Content: prompt}}, nil)
	if err != nil {
		a.Logger.Warn("remember-fact extraction failed", "message_id", msg.MessageID, "error", err)
		return
	}

	var fact struct {
		Category string `json:"category"`
		Key      string `json:"key"`
		Value    string `json:"value"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Message.Content)), &fact); err != nil {
		a.Logger.Warn("remember-fact parse failed", "message_id", msg.MessageID, "error", err)
		return
	}
	if fact.Category == "" || fact.Key == "" || fact.Value == "" {
		a.Logger.Warn("remember-fact missing fields", "message_id", msg.MessageID)
		return
	}

	if _, err := a.Store.StoreFact(msg.Conversation.ID, fact.Category, fact.Key, fact.Value, 0.95, "stated", msg.MessageID); err != nil {
		a.Logger.Warn("store remembered fact failed", "message_id", msg.MessageID, "error", err)
	}
}

// extractJSONObject pulls the first brace-delimited object out of raw,
// tolerating a model that wraps its JSON in prose.
func extractJSONObject(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		return raw
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return raw
	}
	return raw[start : end+1]
}

func (a *AssistantServer) enqueueReply(ctx context.Context, msg InboundMessage, isOwner bool, extraInstruction string) {
	_, err := a.Queue.Enqueue(ctx, msg.MessageID, isOwner, a.QueueTimeout, func(ctx context.Context) (any, error) {
		return nil, a.generateAndSend(ctx, msg, extraInstruction)
	})
	if err != nil {
		a.Logger.Error("reply handler failed", "message_id", msg.MessageID, "error", err)
	}
}

func (a *AssistantServer) generateAndSend(ctx context.Context, msg InboundMessage, extraInstruction string) error {
	resolved := a.Prompts.Resolve(msg.Conversation.Type, msg.Conversation.ID, msg.Sender.TransportID)

	recentN := a.RecentN
	if resolved.ContextSize > 0 {
		recentN = resolved.ContextSize
	}
	recent, err := a.Store.GetRecentMessages(msg.Conversation.ID, recentN)
	if err != nil {
		return fmt.Errorf("load recent messages: %w", err)
	}

	facts, err := a.Store.GetFacts(msg.Conversation.ID, "", 0, 50)
	if err != nil {
		a.Logger.Warn("load facts failed", "conversation_id", msg.Conversation.ID, "error", err)
	}
	summaries, err := a.Store.GetRecentSummaries(msg.Conversation.ID, "conversation", 30, 10)
	if err != nil {
		a.Logger.Warn("load summaries failed", "conversation_id", msg.Conversation.ID, "error", err)
	}

	var ragText string
	if len(resolved.KnowledgeScopes) > 0 {
		chunks, err := a.Store.SearchKnowledge(msg.Content.Text, resolved.KnowledgeScopes, 5)
		if err != nil {
			a.Logger.Warn("rag search failed", "conversation_id", msg.Conversation.ID, "error", err)
		}
		ragText = memory.KnowledgeAsText(chunks)
	}

	system := a.buildSystemPrompt(resolved, facts, summaries, ragText)

	chatMessages := buildChatMessages(recent, msg.Conversation.Type)
	if system != "" {
		chatMessages = append([]llm.Message{{Role: "system", Content: system}}, chatMessages...)
	}
	if extraInstruction != "" {
		chatMessages = append(chatMessages, llm.Message{Role: "user", Content: extraInstruction})
	}

	model := resolved.Model
	if model == "" {
		model = a.Model
	}

	resp, err := a.LLM.Chat(ctx, model, chatMessages, nil)
	if err != nil {
		return fmt.Errorf("llm chat: %w", err)
	}

	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return nil
	}

	if err := a.sendReply(ctx, msg, text); err != nil {
		return err
	}

	if err := a.Compactor.Compact(ctx, msg.Conversation.ID); err != nil {
		a.Logger.Warn("compaction failed", "conversation_id", msg.Conversation.ID, "error", err)
	}
	return nil
}

// buildSystemPrompt concatenates the resolved base prompt (if any) with
// facts, summaries, rag, and optional time awareness. Per spec §9's
// custom-model Open Question resolution: a custom .model file without
// a matching .txt sends an absent base prompt but still carries this
// augmentation if it's non-empty.
func (a *AssistantServer) buildSystemPrompt(resolved prompts.Resolved, facts []memory.UserFact, summaries []memory.ContextSummary, ragText string) string {
	var parts []string
	if resolved.HasSystemPrompt {
		parts = append(parts, resolved.SystemPrompt)
	}
	if a.TimeAwareness {
		parts = append(parts, "Current date and time: "+time.Now().Format(time.RFC1123))
	}
	if ft := memory.FactsAsText(facts); ft != "" {
		parts = append(parts, ft)
	}
	if st := memory.SummariesAsText(summaries); st != "" {
		parts = append(parts, st)
	}
	if ragText != "" {
		parts = append(parts, ragText)
	}
	return strings.Join(parts, "\n\n")
}

// buildChatMessages converts stored messages to LLM chat turns. recent
// already ends with the triggering message (it was stored before this
// is called), so no message is appended separately.
func buildChatMessages(recent []memory.Message, convType string) []llm.Message {
	out := make([]llm.Message, 0, len(recent))
	for _, msg := range recent {
		role := "assistant"
		content := msg.ContentText
		if msg.Direction == "inbound" {
			role = "user"
			if convType == "group" {
				name := msg.SenderName
				if name == "" {
					name = msg.SenderID
				}
				content = fmt.Sprintf("[%s]: %s", name, content)
			}
		}
		out = append(out, llm.Message{Role: role, Content: content})
	}
	return out
}

func (a *AssistantServer) sendReply(ctx context.Context, msg InboundMessage, text string) error {
	isCritical := msg.Priority == "critical"
	if !isCritical && !a.Outbound.Allow(time.Now()) {
		return fmt.Errorf("outbound rate limit exceeded, dropping reply to %s", msg.MessageID)
	}

	isGroup := msg.Conversation.Type == "group"
	a.Cooldown.Wait(msg.Conversation.ID, isGroup)

	d := Delivery{Target: "direct"}
	if isGroup {
		d = Delivery{Target: "group", GroupID: msg.Conversation.ID}
	}

	out := OutboundMessage{
		Transport: "signal",
		Recipient: Recipient{ID: msg.Sender.ID, TransportID: msg.Sender.TransportID},
		Priority:  msg.Priority,
		Delivery:  d,
		Content:   OutboundContent{Type: "text", Text: text},
		ReplyTo:   msg.MessageID,
	}

	resp, err := a.Mesh.SendOutbound(ctx, out)
	if err != nil {
		return fmt.Errorf("send reply via mesh: %w", err)
	}

	channel := "direct"
	if isCritical {
		channel = "critical"
	}
	outboundMessageID := fmt.Sprintf("%s:%d", msg.Conversation.ID, resp.Data.SentAt)
	if _, err := a.Store.StoreMessage(memory.StoreMessageParams{
		MessageID:      outboundMessageID,
		Direction:      "outbound",
		Channel:        channel,
		ContentType:    "text",
		ContentText:    text,
		ConversationID: msg.Conversation.ID,
		ReplyToID:      msg.MessageID,
		Timestamp:      resp.Data.SentAt,
	}); err != nil {
		a.Logger.Warn("store outbound message failed", "conversation_id", msg.Conversation.ID, "error", err)
	}
	return nil
}

// --- document ingest (spec §4.8 hand-off, §6) ---

func (a *AssistantServer) handleDocumentIngest(w http.ResponseWriter, r *http.Request) {
	var req DocumentIngestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "malformed document ingest request")
		return
	}
	if req.Filename == "" || req.Scope == "" {
		writeError(w, http.StatusBadRequest, "invalid_content", "filename and scope are required")
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_content", "content_base64 is not valid base64")
		return
	}

	scope := prompts.SanitizeScope(req.Scope)
	if scope == "" {
		writeError(w, http.StatusBadRequest, "invalid_content", "scope sanitizes to empty")
		return
	}

	if _, err := ingest.WriteAttachment(a.Ingest.Root(), scope, filepath.Base(req.Filename), data); err != nil {
		a.Logger.Error("write attachment failed", "filename", req.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "ingest_failed", "failed to store attachment")
		return
	}

	if _, _, err := a.Ingest.ProcessPending(); err != nil {
		a.Logger.Warn("synchronous ingest pass failed", "error", err)
	}

	writeJSON(w, http.StatusOK, InboundResponse{Status: "ok"})
}

// --- admin surface (spec §6) ---

func (a *AssistantServer) handleAdminConfigStatus(w http.ResponseWriter, r *http.Request) {
	_, hash := a.State.Current()
	lastHash, lastAt := a.State.LastPush()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"data": map[string]any{
			"config_hash":    hash,
			"last_push_hash": lastHash,
			"last_push_time": lastAt,
			"needs_push":     a.State.NeedsPush(),
		},
	})
}

func (a *AssistantServer) handleAdminConfigPush(w http.ResponseWriter, r *http.Request) {
	hash, err := a.PushConfig(r.Context(), nil)
	if err != nil {
		writeError(w, http.StatusBadGateway, "mesh_unreachable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ConfigSyncResponse{Status: "ok", Data: ConfigSyncData{ConfigHash: hash, AppliedAt: time.Now().UnixMilli()}})
}

// PushConfig pushes the assistant's current authoritative config to the
// mesh, optionally carrying a key-rotation directive. Exported so the
// scheduler's config-sync and key-rotation tasks can call it directly.
func (a *AssistantServer) PushConfig(ctx context.Context, rotation *policy.RotationInfo) (string, error) {
	fc, _ := a.State.Current()
	payload := policy.PushPayload{FileConfig: fc, TimestampMs: time.Now().UnixMilli(), HMACRotation: rotation}
	hash, err := a.Mesh.PushConfig(ctx, payload)
	if err != nil {
		return "", err
	}
	a.State.RecordPush(hash, time.Now().UnixMilli())
	return hash, nil
}

func (a *AssistantServer) handleAdminHMACRotate(w http.ResponseWriter, r *http.Request) {
	grace := a.DefaultGrace
	if r.URL.Query().Get("grace") == "false" {
		grace = 0
	}

	preRotationSecret := a.Rotator.CurrentSecret()
	newSecretHex, effectiveAt, err := a.Rotator.Rotate(grace)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rotation_failed", err.Error())
		return
	}

	rotation := &policy.RotationInfo{
		NewSecretHex:  newSecretHex,
		EffectiveAtMs: effectiveAt.UnixMilli(),
		GracePeriodMs: grace.Milliseconds(),
	}

	fc, _ := a.State.Current()
	payload := policy.PushPayload{FileConfig: fc, TimestampMs: time.Now().UnixMilli(), HMACRotation: rotation}
	hash, err := a.Mesh.PushConfigWithSecret(r.Context(), payload, preRotationSecret)
	if err != nil {
		writeError(w, http.StatusBadGateway, "mesh_unreachable", err.Error())
		return
	}
	a.State.RecordPush(hash, time.Now().UnixMilli())

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"data": map[string]any{
			"config_hash":     hash,
			"effective_at_ms": rotation.EffectiveAtMs,
			"grace_period_ms": rotation.GracePeriodMs,
		},
	})
}

func (a *AssistantServer) handleAdminHMACStatus(w http.ResponseWriter, r *http.Request) {
	last := a.Rotator.LastRotationTime()
	lastMs := int64(0)
	if !last.IsZero() {
		lastMs = last.UnixMilli()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"data":   map[string]any{"last_rotation_time_ms": lastMs},
	})
}

func (a *AssistantServer) handleAdminSecurityStatus(w http.ResponseWriter, r *http.Request) {
	fc, _ := a.State.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"data": map[string]any{
			"privacy_mode": fc.Security.PrivacyMode,
			"kill_switch":  fc.Security.KillSwitch,
		},
	})
}

func (a *AssistantServer) handleAdminPrivacyMode(w http.ResponseWriter, r *http.Request) {
	enabled, err := parseBoolQuery(r, "enabled")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_content", err.Error())
		return
	}
	fc, _ := a.State.Current()
	fc.Security.PrivacyMode = enabled
	a.applySecurityChange(w, r, fc)
}

func (a *AssistantServer) handleAdminKillSwitch(w http.ResponseWriter, r *http.Request) {
	active, err := parseBoolQuery(r, "active")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_content", err.Error())
		return
	}
	fc, _ := a.State.Current()
	fc.Security.KillSwitch = active
	a.applySecurityChange(w, r, fc)
}

func (a *AssistantServer) applySecurityChange(w http.ResponseWriter, r *http.Request, fc policy.FileConfig) {
	if _, err := a.State.Update(fc); err != nil {
		writeError(w, http.StatusInternalServerError, "apply_failed", err.Error())
		return
	}
	hash, err := a.PushConfig(r.Context(), nil)
	if err != nil {
		writeError(w, http.StatusBadGateway, "mesh_unreachable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"data": map[string]any{
			"config_hash":  hash,
			"privacy_mode": fc.Security.PrivacyMode,
			"kill_switch":  fc.Security.KillSwitch,
		},
	})
}

func parseBoolQuery(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, fmt.Errorf("missing %q query parameter", name)
	}
	return strconv.ParseBool(v)
}

func (a *AssistantServer) handleAdminRAGScopes(w http.ResponseWriter, r *http.Request) {
	scopes, err := a.Store.KnowledgeScopes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "data": map[string]any{"scopes": scopes}})
}

func (a *AssistantServer) handleAdminRAGSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "invalid_content", "q is required")
		return
	}
	var scopes []string
	if scope := r.URL.Query().Get("scope"); scope != "" {
		scopes = []string{scope}
	}

	if r.URL.Query().Get("stream") == "true" {
		a.streamRAGSearch(w, r, q, scopes)
		return
	}

	chunks, err := a.Store.SearchKnowledge(q, scopes, 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "data": map[string]any{"chunks": chunks}})
}

// streamRAGSearch upgrades to a websocket and re-runs the search
// periodically, pushing any chunk not yet seen on this connection — a
// simple live-tail over an otherwise pull-based FTS index.
func (a *AssistantServer) streamRAGSearch(w http.ResponseWriter, r *http.Request, q string, scopes []string) {
	conn, err := ragStreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.Warn("rag search websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	seen := make(map[int64]bool)
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		chunks, err := a.Store.SearchKnowledge(q, scopes, 20)
		if err != nil {
			a.Logger.Warn("rag search stream query failed", "error", err)
		} else {
			for _, c := range chunks {
				if seen[c.ID] {
					continue
				}
				seen[c.ID] = true
				if err := conn.WriteJSON(c); err != nil {
					return
				}
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

