package policy

import (
	"testing"
	"time"
)

func testPolicy() *Policy {
	fc := FileConfig{}
	fc.Identity.BotName = "Joi"
	fc.Identity.AllowedSenders = []string{"+10000000000"}
	fc.Identity.Groups = map[string]GroupConfig{
		"group-1": {Participants: []string{"+10000000000", "+12223334444"}},
	}
	return FromFileConfig(fc)
}

func TestEvaluateInboundUnknownSender(t *testing.T) {
	p := testPolicy()
	env := Envelope{
		Sender:       Sender{TransportID: "+19990000000"},
		Conversation: Conversation{Type: "direct", ID: "+19990000000"},
		Content:      Content{Type: "text", Text: "hi"},
		Timestamp:    time.Now().UnixMilli(),
	}
	d := p.EvaluateInbound(env, time.Now())
	if d.Allowed || d.Reason != "unknown_sender" {
		t.Fatalf("expected unknown_sender, got %+v", d)
	}
}

func TestEvaluateInboundUnconfiguredGroupRejected(t *testing.T) {
	p := testPolicy()
	env := Envelope{
		Sender:       Sender{TransportID: "+10000000000"},
		Conversation: Conversation{Type: "group", ID: "group-2"},
		Content:      Content{Type: "text", Text: "hi"},
		Timestamp:    time.Now().UnixMilli(),
	}
	d := p.EvaluateInbound(env, time.Now())
	if d.Allowed || d.Reason != "group_not_allowed" {
		t.Fatalf("expected group_not_allowed for unconfigured group, got %+v", d)
	}
}

func TestEvaluateInboundGroupSenderNotParticipant(t *testing.T) {
	p := testPolicy()
	// Allowed sender overall, but not a configured participant of group-1's roster.
	fc := FileConfig{}
	fc.Identity.AllowedSenders = []string{"+15550001111"}
	fc.Identity.Groups = map[string]GroupConfig{
		"group-1": {Participants: []string{"+10000000000"}},
	}
	p = FromFileConfig(fc)

	env := Envelope{
		Sender:       Sender{TransportID: "+15550001111"},
		Conversation: Conversation{Type: "group", ID: "group-1"},
		Content:      Content{Type: "text", Text: "hi"},
		Timestamp:    time.Now().UnixMilli(),
	}
	d := p.EvaluateInbound(env, time.Now())
	if !d.Allowed || !d.StoreOnly || d.Reason != "store_only" {
		t.Fatalf("expected store_only admission, got %+v", d)
	}
}

func TestEvaluateInboundTextTooLong(t *testing.T) {
	p := testPolicy()
	long := make([]byte, p.maxTextLength+1)
	for i := range long {
		long[i] = 'x'
	}
	env := Envelope{
		Sender:       Sender{TransportID: "+10000000000"},
		Conversation: Conversation{Type: "direct", ID: "+10000000000"},
		Content:      Content{Type: "text", Text: string(long)},
		Timestamp:    time.Now().UnixMilli(),
	}
	d := p.EvaluateInbound(env, time.Now())
	if d.Allowed || d.Reason != "text_too_long" {
		t.Fatalf("expected text_too_long, got %+v", d)
	}
}

func TestEvaluateInboundTimestampSkew(t *testing.T) {
	p := testPolicy()
	env := Envelope{
		Sender:       Sender{TransportID: "+10000000000"},
		Conversation: Conversation{Type: "direct", ID: "+10000000000"},
		Content:      Content{Type: "text", Text: "hi"},
		Timestamp:    time.Now().Add(-time.Hour).UnixMilli(),
	}
	d := p.EvaluateInbound(env, time.Now())
	if d.Allowed || d.Reason != "timestamp_out_of_window" {
		t.Fatalf("expected timestamp_out_of_window, got %+v", d)
	}
}

func TestEvaluateInboundRateLimited(t *testing.T) {
	fc := FileConfig{}
	fc.Identity.AllowedSenders = []string{"+10000000000"}
	fc.RateLimits.Inbound.MaxPerMinute = 1
	fc.RateLimits.Inbound.MaxPerHour = 100
	p := FromFileConfig(fc)

	mk := func() Envelope {
		return Envelope{
			Sender:       Sender{TransportID: "+10000000000"},
			Conversation: Conversation{Type: "direct", ID: "+10000000000"},
			Content:      Content{Type: "text", Text: "hi"},
			Timestamp:    time.Now().UnixMilli(),
		}
	}

	now := time.Now()
	if d := p.EvaluateInbound(mk(), now); !d.Allowed {
		t.Fatalf("first message should be allowed, got %+v", d)
	}
	d := p.EvaluateInbound(mk(), now)
	if d.Allowed || d.Reason != "rate_limited_minute" {
		t.Fatalf("expected rate_limited_minute on second message, got %+v", d)
	}
}

func TestEvaluateInboundOK(t *testing.T) {
	p := testPolicy()
	env := Envelope{
		Sender:       Sender{TransportID: "+10000000000"},
		Conversation: Conversation{Type: "direct", ID: "+10000000000"},
		Content:      Content{Type: "text", Text: "hi"},
		Timestamp:    time.Now().UnixMilli(),
	}
	d := p.EvaluateInbound(env, time.Now())
	if !d.Allowed || d.Reason != "ok" || d.StoreOnly {
		t.Fatalf("expected plain ok, got %+v", d)
	}
}

func TestBotNamesIncludesGlobalAndGroup(t *testing.T) {
	fc := FileConfig{}
	fc.Identity.BotName = "Joi"
	fc.Identity.Groups = map[string]GroupConfig{
		"group-1": {Names: []string{"J"}},
	}
	p := FromFileConfig(fc)
	names := p.BotNames("group-1")
	if len(names) != 2 || names[0] != "Joi" || names[1] != "J" {
		t.Fatalf("expected [Joi J], got %v", names)
	}
}
