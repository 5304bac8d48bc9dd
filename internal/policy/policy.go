// Package policy implements the mesh-side inbound gate (spec §4.4):
// allowlist check, group-participant store-only demotion, content
// validation, timestamp skew, and per-sender rate limiting. Grounded on
// mesh/proxy/policy.py's MeshPolicy/evaluate_inbound.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nugget/joi-mesh/internal/ratelimit"
)

// Decision mirrors PolicyDecision from the reference policy evaluator:
// allowed plus a reason tag, with an additional store_only flag meaning
// "keep for context, never reply".
type Decision struct {
	Allowed   bool
	Reason    string
	StoreOnly bool
}

// Sender identifies the envelope's originator. TransportID is the
// stable per-transport address (phone number for Signal) used for
// allowlist and group-participant membership checks.
type Sender struct {
	ID          string `json:"id"`
	TransportID string `json:"transport_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Conversation identifies the envelope's conversation.
type Conversation struct {
	Type string `json:"type"` // "direct" | "group"
	ID   string `json:"id"`
}

// Content is the envelope's payload.
type Content struct {
	Type     string `json:"type"` // "text" | "reaction" | "attachment"
	Text     string `json:"text,omitempty"`
	Reaction string `json:"reaction,omitempty"`
}

// Envelope is the normalized inbound message the mesh evaluates and
// forwards, per spec §6's /api/v1/message/inbound body.
type Envelope struct {
	Sender       Sender       `json:"sender"`
	Conversation Conversation `json:"conversation"`
	Priority     string       `json:"priority"`
	Content      Content      `json:"content"`
	Timestamp    int64        `json:"timestamp"`
}

// GroupConfig is one configured group's allowed participants.
type GroupConfig struct {
	Participants []string `json:"participants"`
	Names        []string `json:"names,omitempty"` // @mention aliases for the bot, per-group
}

// FileConfig is the on-disk/wire JSON shape the policy document takes,
// both as policy.json on the mesh and as the body of the assistant's
// /config/sync push (spec §6, §9 Policy row).
type FileConfig struct {
	Mode             string `json:"mode"` // "companion" | "business"
	DMGroupKnowledge bool   `json:"dm_group_knowledge"`
	Identity         struct {
		BotName        string                 `json:"bot_name"`
		AllowedSenders []string               `json:"allowed_senders"`
		Groups         map[string]GroupConfig `json:"groups"`
	} `json:"identity"`
	RateLimits struct {
		Inbound struct {
			MaxPerHour   int `json:"max_per_hour"`
			MaxPerMinute int `json:"max_per_minute"`
		} `json:"inbound"`
	} `json:"rate_limits"`
	Validation struct {
		MaxTextLength      int `json:"max_text_length"`
		MaxTimestampSkewMs int `json:"max_timestamp_skew_ms"`
	} `json:"validation"`
	Security struct {
		PrivacyMode bool `json:"privacy_mode"`
		KillSwitch  bool `json:"kill_switch"`
	} `json:"security"`
}

// Policy is the mesh's in-memory copy of the authoritative policy
// document, replaced atomically on each config push (spec §9, Policy
// row). It is read-only after construction; a new push builds a fresh
// Policy and swaps the holder's pointer rather than mutating one in
// place.
type Policy struct {
	BotName           string
	Mode              string
	DMGroupKnowledge  bool
	PrivacyMode       bool
	KillSwitch        bool
	allowedSenders    map[string]bool
	groupParticipants map[string]map[string]bool
	groupBotNames     map[string][]string

	rateLimiter *ratelimit.Windowed

	maxTextLength      int
	maxTimestampSkewMs int64
}

// Load reads and parses a policy.json file into a Policy. Mirrors
// MeshPolicy.__init__'s defaulting: max_per_hour=120, max_per_minute=20,
// max_text_length=1500, max_timestamp_skew_ms=300000.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy config file not found: %s: %w", path, err)
	}

	var fc FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("policy config must be a JSON object: %w", err)
	}

	return FromFileConfig(fc), nil
}

// FromFileConfig builds a Policy from an already-parsed config, applying
// the same defaults Load would. Exported so the assistant's config-push
// path can build a Policy in memory without a round trip through disk.
func FromFileConfig(fc FileConfig) *Policy {
	maxPerHour := fc.RateLimits.Inbound.MaxPerHour
	if maxPerHour == 0 {
		maxPerHour = 120
	}
	maxPerMinute := fc.RateLimits.Inbound.MaxPerMinute
	if maxPerMinute == 0 {
		maxPerMinute = 20
	}
	maxTextLength := fc.Validation.MaxTextLength
	if maxTextLength == 0 {
		maxTextLength = 1500
	}
	maxSkew := fc.Validation.MaxTimestampSkewMs
	if maxSkew == 0 {
		maxSkew = 300_000
	}

	allowed := make(map[string]bool, len(fc.Identity.AllowedSenders))
	for _, s := range fc.Identity.AllowedSenders {
		allowed[s] = true
	}

	groups := make(map[string]map[string]bool, len(fc.Identity.Groups))
	botNames := make(map[string][]string, len(fc.Identity.Groups))
	for groupID, cfg := range fc.Identity.Groups {
		set := make(map[string]bool, len(cfg.Participants))
		for _, p := range cfg.Participants {
			set[p] = true
		}
		groups[groupID] = set
		if len(cfg.Names) > 0 {
			botNames[groupID] = cfg.Names
		}
	}

	mode := fc.Mode
	if mode == "" {
		mode = "companion"
	}

	return &Policy{
		BotName:            fc.Identity.BotName,
		Mode:               mode,
		DMGroupKnowledge:   fc.DMGroupKnowledge,
		PrivacyMode:        fc.Security.PrivacyMode,
		KillSwitch:         fc.Security.KillSwitch,
		allowedSenders:     allowed,
		groupParticipants:  groups,
		groupBotNames:      botNames,
		rateLimiter:        ratelimit.NewWindowed(maxPerMinute, maxPerHour),
		maxTextLength:      maxTextLength,
		maxTimestampSkewMs: int64(maxSkew),
	}
}

// EvaluateInbound runs the full gate from spec §4.4, steps 1-5, in
// order, short-circuiting on the first failing step.
func (p *Policy) EvaluateInbound(env Envelope, now time.Time) Decision {
	sender := env.Sender.TransportID
	if sender == "" {
		return Decision{Reason: "unknown_sender"}
	}
	if !p.allowedSenders[sender] {
		return Decision{Reason: "unknown_sender"}
	}

	convoType := env.Conversation.Type
	convoID := env.Conversation.ID
	if (convoType != "direct" && convoType != "group") || convoID == "" {
		return Decision{Reason: "invalid_conversation"}
	}

	if convoType == "group" {
		participants, known := p.groupParticipants[convoID]
		if !known {
			return Decision{Reason: "group_not_allowed"}
		}
		if !participants[sender] {
			// Admitted for context, never replied to.
			return Decision{Allowed: true, Reason: "store_only", StoreOnly: true}
		}
	}

	if d := p.validateContent(env.Content); !d.Allowed {
		return d
	}

	if env.Timestamp == 0 {
		return Decision{Reason: "invalid_timestamp"}
	}
	nowMs := now.UnixMilli()
	skew := nowMs - env.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > p.maxTimestampSkewMs {
		return Decision{Reason: "timestamp_out_of_window"}
	}

	result := p.rateLimiter.CheckAndAdd("inbound:"+sender, now)
	if !result.Allowed {
		return Decision{Reason: result.Reason}
	}

	return Decision{Allowed: true, Reason: "ok"}
}

func (p *Policy) validateContent(c Content) Decision {
	switch c.Type {
	case "text":
		if c.Text == "" {
			return Decision{Reason: "invalid_text"}
		}
		if len(c.Text) > p.maxTextLength {
			return Decision{Reason: "text_too_long"}
		}
	case "reaction":
		if c.Reaction == "" {
			return Decision{Reason: "invalid_reaction"}
		}
	case "attachment":
		// Attachments carry no text/reaction to validate; accepted as-is.
	default:
		return Decision{Reason: "unsupported_content_type"}
	}
	return Decision{Allowed: true, Reason: "ok"}
}

// BotNames returns the @-mention aliases configured for a group (plus
// the global BotName), used by the inbound handler's @<BotName> regex
// match (spec §4.10 step 4).
func (p *Policy) BotNames(groupID string) []string {
	names := p.groupBotNames[groupID]
	if p.BotName == "" {
		return names
	}
	return append([]string{p.BotName}, names...)
}

// IsAllowedSender reports whether transportID is in the allowlist,
// independent of a full envelope evaluation. Used by the "unknown
// sender" WARNING-log path (scenario 1) before EvaluateInbound runs,
// so the un-redacted log line can be emitted even when nothing else
// about the envelope is valid yet.
func (p *Policy) IsAllowedSender(transportID string) bool {
	return p.allowedSenders[transportID]
}

// GroupParticipant reports whether sender is a configured participant
// of groupID, and whether groupID is a known/configured group at all.
func (p *Policy) GroupParticipant(groupID, sender string) (participant, known bool) {
	set, known := p.groupParticipants[groupID]
	if !known {
		return false, false
	}
	return set[sender], true
}

// RateLimiter exposes the inbound limiter so the scheduler's periodic
// eviction tick can bound its memory (spec §4.3's Evict cadence).
func (p *Policy) RateLimiter() *ratelimit.Windowed {
	return p.rateLimiter
}
