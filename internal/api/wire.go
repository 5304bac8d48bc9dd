// Package api implements the HTTP control plane both processes expose
// to each other: the mesh's outbound-send and config-sync surface
// (spec §4.11, §4.1), and the assistant's inbound-message, document-
// ingest, and admin surface (spec §4.10, §6).
package api

import (
	"github.com/nugget/joi-mesh/internal/policy"
)

// InboundMessage is the body of POST /api/v1/message/inbound, sent
// mesh -> assistant. Field shapes mirror policy.Envelope's Sender/
// Conversation/Content types since the wire JSON is identical; this
// package defines its own struct rather than importing
// internal/signal so the assistant never depends on the Signal
// transport package.
type InboundMessage struct {
	Transport    string              `json:"transport"`
	MessageID    string              `json:"message_id"`
	Sender       policy.Sender       `json:"sender"`
	Conversation policy.Conversation `json:"conversation"`
	Priority     string              `json:"priority"`
	Content      policy.Content      `json:"content"`
	Timestamp    int64               `json:"timestamp"`
	Quote        *Quote              `json:"quote,omitempty"`
	StoreOnly    bool                `json:"store_only,omitempty"`
	GroupNames   []string            `json:"group_names,omitempty"`
	BotMentioned bool                `json:"bot_mentioned,omitempty"`
}

// Quote identifies the message an inbound reply or reaction targets.
type Quote struct {
	MessageID string `json:"message_id"`
}

// InboundResponse acknowledges a processed inbound message.
type InboundResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
}

// Recipient identifies who an outbound message is addressed to.
type Recipient struct {
	ID          string `json:"id"`
	TransportID string `json:"transport_id"`
}

// Delivery selects the send target: a direct transport id, or a group.
type Delivery struct {
	Target  string `json:"target"` // "direct" | "group"
	GroupID string `json:"group_id,omitempty"`
}

// OutboundContent is the payload of an outbound send.
type OutboundContent struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

// OutboundMessage is the body of POST /api/v1/message/outbound, sent
// assistant -> mesh, per spec §6.
type OutboundMessage struct {
	Transport     string          `json:"transport"`
	Recipient     Recipient       `json:"recipient"`
	Priority      string          `json:"priority"`
	Delivery      Delivery        `json:"delivery"`
	Content       OutboundContent `json:"content"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	Escalated     bool            `json:"escalated,omitempty"`
	VoiceResponse bool            `json:"voice_response,omitempty"`
}

// OutboundData is the successful payload of OutboundResponse.
type OutboundData struct {
	MessageID string `json:"message_id"`
	Transport string `json:"transport"`
	SentAt    int64  `json:"sent_at"`
	Delivered bool   `json:"delivered"`
}

// OutboundResponse is the body returned by POST /api/v1/message/outbound.
type OutboundResponse struct {
	Status string        `json:"status"`
	Data   *OutboundData `json:"data,omitempty"`
}

// ConfigSyncData is the successful payload of a config push.
type ConfigSyncData struct {
	ConfigHash string `json:"config_hash"`
	AppliedAt  int64  `json:"applied_at"`
}

// ConfigSyncResponse is the body returned by POST /config/sync.
type ConfigSyncResponse struct {
	Status string         `json:"status"`
	Data   ConfigSyncData `json:"data"`
}

// ConfigStatusData is the current hash the mesh holds.
type ConfigStatusData struct {
	ConfigHash string `json:"config_hash"`
}

// ConfigStatusResponse is the body returned by GET /config/status.
type ConfigStatusResponse struct {
	Status string           `json:"status"`
	Data   ConfigStatusData `json:"data"`
}

// DocumentIngestRequest is the body of POST /api/v1/document/ingest,
// sent mesh -> assistant when the owner shares a file attachment.
type DocumentIngestRequest struct {
	Filename      string `json:"filename"`
	ContentBase64 string `json:"content_base64"`
	ContentType   string `json:"content_type,omitempty"`
	Scope         string `json:"scope"`
	SenderID      string `json:"sender_id,omitempty"`
}

// HealthResponse is the unauthenticated liveness probe body.
type HealthResponse struct {
	Status string `json:"status"`
}
