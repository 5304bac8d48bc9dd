package signal

import (
	"strconv"
	"strings"

	"github.com/nugget/joi-mesh/internal/policy"
)

// sanitizePhone strips everything but alphanumerics, used when a
// transport id needs to appear in a log line or file path.
func sanitizePhone(phone string) string {
	var sb strings.Builder
	for _, r := range phone {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// transportID resolves the stable per-sender identifier from a
// signal-cli envelope. Resolved Open Question from spec §9: prefer the
// phone number (SourceNumber) over the UUID form, falling back to Source
// (which may be either form) when SourceNumber is empty, since allowlists and
// group rosters are configured by phone number; callers needing to
// match either form (e.g. group membership) should try both.
func transportID(env *Envelope) string {
	if env.SourceNumber != "" {
		return env.SourceNumber
	}
	return env.Source
}

// conversationID returns the conversation identifier: the group id for
// group messages, the sender's transport id for direct messages.
func conversationID(env *Envelope) string {
	if env.DataMessage != nil && env.DataMessage.GroupInfo != nil {
		return env.DataMessage.GroupInfo.GroupID
	}
	return transportID(env)
}

// InboundMessage is the normalized shape forwarded to the assistant,
// matching the /api/v1/message/inbound wire body (spec §6).
type InboundMessage struct {
	Transport    string             `json:"transport"`
	MessageID    string             `json:"message_id"`
	Sender       policy.Sender      `json:"sender"`
	Conversation policy.Conversation `json:"conversation"`
	Priority     string             `json:"priority"`
	Content      policy.Content     `json:"content"`
	Timestamp    int64              `json:"timestamp"`
	Quote        *Quote             `json:"quote,omitempty"`
	StoreOnly    bool               `json:"store_only,omitempty"`
	GroupNames   []string           `json:"group_names,omitempty"` // filled by Forwarder from policy group config
	BotMentioned bool               `json:"bot_mentioned,omitempty"` // left false; the assistant decides this against GroupNames + its own name
}

// Quote references a prior message this one replies to.
type Quote struct {
	MessageID string `json:"message_id"`
}

// normalize converts a signal-cli envelope into the policy gate's
// Envelope type and the wire InboundMessage body, deriving a
// deterministic message_id from sender+timestamp so redelivery by the
// transport dedupes on arrival (spec §5: "DB UPSERT on message_id is
// unique and ignores second arrivals").
func normalize(env *Envelope, ownerTransportID string) (policy.Envelope, InboundMessage) {
	sender := transportID(env)
	convType := "direct"
	if env.DataMessage != nil && env.DataMessage.GroupInfo != nil {
		convType = "group"
	}
	convID := conversationID(env)

	ts := env.Timestamp
	if env.DataMessage != nil && env.DataMessage.Timestamp != 0 {
		ts = env.DataMessage.Timestamp
	}

	senderKind := "opaque"
	if sender != "" && sender == ownerTransportID {
		senderKind = "owner"
	}

	content := policy.Content{Type: "text"}
	if env.DataMessage != nil && env.DataMessage.Reaction != nil {
		content = policy.Content{Type: "reaction", Reaction: env.DataMessage.Reaction.Emoji}
	} else if env.DataMessage != nil {
		content.Text = env.DataMessage.Message
	}

	pe := policy.Envelope{
		Sender:       policy.Sender{ID: senderKind, TransportID: sender, DisplayName: env.SourceName},
		Conversation: policy.Conversation{Type: convType, ID: convID},
		Content:      content,
		Timestamp:    ts,
	}

	msg := InboundMessage{
		Transport: "signal",
		MessageID: sanitizePhone(sender) + ":" + strconv.FormatInt(ts, 10),
		Sender:    pe.Sender,
		Conversation: policy.Conversation{
			Type: convType,
			ID:   convID,
		},
		Priority:  "normal",
		Content:   content,
		Timestamp: ts,
	}
	if senderKind == "owner" {
		msg.Priority = "critical"
	}
	if env.DataMessage != nil && env.DataMessage.Reaction != nil && env.DataMessage.Reaction.TargetSentTimestamp != 0 {
		msg.Quote = &Quote{MessageID: sanitizePhone(env.DataMessage.Reaction.TargetAuthor) + ":" + strconv.FormatInt(env.DataMessage.Reaction.TargetSentTimestamp, 10)}
	}

	return pe, msg
}

// hasContent reports whether an envelope carries a text body, a
// reaction, or an attachment — i.e. something worth forwarding, as
// opposed to a bare delivery/typing artifact.
func hasContent(env *Envelope) bool {
	if env.DataMessage == nil {
		return false
	}
	return env.DataMessage.Message != "" ||
		env.DataMessage.Reaction != nil ||
		len(env.DataMessage.Attachments) > 0
}

