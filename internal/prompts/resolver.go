package prompts

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// BaseSystemPrompt is the built-in fallback system prompt used when no
// group/user/default.txt file is configured and no .model override is
// present.
const BaseSystemPrompt = `You are Joi, a helpful personal assistant reachable over Signal. Respond naturally and concisely. Use the facts, summaries, and knowledge context you're given to stay consistent across conversations, but never invent facts you weren't given.`

// Resolved holds everything spec §4.9 resolves for one conversation.
type Resolved struct {
	SystemPrompt    string
	HasSystemPrompt bool // false means send null/absent system — a custom .model may embed its own
	Model           string
	ContextSize     int // 0 means "use the caller's default"
	KnowledgeScopes []string
}

// Resolver resolves prompts, model overrides, context size, and
// knowledge scopes from a file hierarchy rooted at Root:
// groups/<scope>.txt, users/<scope>.txt, default.txt, plus .model/
// .context/.knowledge sidecars — spec §4.9.
type Resolver struct {
	Root             string
	BusinessMode     bool
	DMGroupKnowledge bool
	Membership       *MembershipCache
}

// New creates a Resolver rooted at root.
func New(root string) *Resolver {
	return &Resolver{Root: root}
}

// Resolve looks up the prompt configuration for one conversation.
// convType is "group" or "direct"; scopeID is the group id for groups or
// the user id for direct conversations; senderID is the message
// sender's transport id, used to union in group knowledge scopes for
// direct conversations in business mode.
func (r *Resolver) Resolve(convType, scopeID, senderID string) Resolved {
	bases := r.candidateBases(convType, scopeID)

	model, hasModel := r.readSidecar(bases, ".model")
	model = strings.TrimSpace(model)

	var out Resolved
	out.Model = model

	if system, ok := r.readSidecar(bases, ".txt"); ok {
		out.SystemPrompt = system
		out.HasSystemPrompt = true
	} else if hasModel {
		// A custom model file may embed its own system prompt; don't
		// fall back to the builtin constant in that case.
		out.HasSystemPrompt = false
	} else {
		out.SystemPrompt = BaseSystemPrompt
		out.HasSystemPrompt = true
	}

	if raw, ok := r.readSidecar(bases, ".context"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n > 0 {
			out.ContextSize = n
		}
	}

	out.KnowledgeScopes = r.resolveKnowledgeScopes(bases, convType, scopeID, senderID)
	return out
}

// candidateBases returns file basenames (relative to Root, no
// extension) in fallback priority order: the specific group or user
// file, then default.
func (r *Resolver) candidateBases(convType, scopeID string) []string {
	var bases []string
	sanitized := SanitizeScope(scopeID)
	if sanitized != "" {
		if convType == "group" {
			bases = append(bases, filepath.Join("groups", sanitized))
		} else {
			bases = append(bases, filepath.Join("users", sanitized))
		}
	}
	bases = append(bases, "default")
	return bases
}

func (r *Resolver) readSidecar(bases []string, ext string) (string, bool) {
	for _, base := range bases {
		data, err := os.ReadFile(filepath.Join(r.Root, base+ext))
		if err == nil {
			return string(data), true
		}
	}
	return "", false
}

func (r *Resolver) resolveKnowledgeScopes(bases []string, convType, scopeID, senderID string) []string {
	scopes := make(map[string]struct{})

	if own := SanitizeScope(scopeID); own != "" {
		scopes[own] = struct{}{}
	}

	if raw, ok := r.readSidecar(bases, ".knowledge"); ok {
		for _, line := range strings.Split(raw, "\n") {
			if s := SanitizeScope(line); s != "" {
				scopes[s] = struct{}{}
			}
		}
	}

	if r.BusinessMode && r.DMGroupKnowledge && r.Membership != nil {
		for _, g := range r.Membership.GroupsFor(senderID) {
			if s := SanitizeScope(g); s != "" {
				scopes[s] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(scopes))
	for s := range scopes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
