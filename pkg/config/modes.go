// Package config holds the static run-mode registry and process
// configuration for the deliberation service.
package config

import "fmt"

// Context verbosity levels for follow-up queries.
const (
	ContextMinimal  = "minimal"
	ContextStandard = "standard"
	ContextFull     = "full"
)

// Canonical mode names.
const (
	ModeQuickDecision      = "quick_decision"
	ModeDecidePlease       = "decide_please"
	ModeDecidePrettyPlease = "decide_pretty_please"
)

// RunMode is the fixed configuration of one deliberation mode: which
// endpoints deliberate, who moderates, what it costs, and which stages run.
type RunMode struct {
	Name              string
	Label             string
	DecisionMakers    []string
	ModeratorModel    string
	EnablePeerReview  bool
	EnableCrossReview bool
	ContextMode       string
	CreditCost        int
}

// Endpoint tiers. The haiku tier backs quick decisions; the premium tier
// backs the two deliberate modes.
var (
	haikuTier = []string{
		"openai/gpt-4o-mini",
		"anthropic/claude-3-haiku",
		"google/gemini-2.0-flash-exp",
		"x-ai/grok-2-mini",
		"deepseek/deepseek-chat",
	}
	premiumTier = []string{
		"openai/gpt-5.2",
		"anthropic/claude-opus-4.5",
		"google/gemini-3-pro-preview",
		"x-ai/grok-4.1-fast",
		"deepseek/deepseek-v3.2",
	}
)

var runModes = map[string]RunMode{
	ModeQuickDecision: {
		Name:              ModeQuickDecision,
		Label:             "Quick Decision",
		DecisionMakers:    haikuTier,
		ModeratorModel:    "anthropic/claude-sonnet-4.5",
		EnablePeerReview:  false,
		EnableCrossReview: false,
		ContextMode:       ContextMinimal,
		CreditCost:        1,
	},
	ModeDecidePlease: {
		Name:              ModeDecidePlease,
		Label:             "Decide Please",
		DecisionMakers:    premiumTier,
		ModeratorModel:    "anthropic/claude-sonnet-4.5",
		EnablePeerReview:  true,
		EnableCrossReview: false,
		ContextMode:       ContextStandard,
		CreditCost:        2,
	},
	ModeDecidePrettyPlease: {
		Name:              ModeDecidePrettyPlease,
		Label:             "Decide Pretty Please",
		DecisionMakers:    premiumTier,
		ModeratorModel:    "anthropic/claude-sonnet-4.5",
		EnablePeerReview:  true,
		EnableCrossReview: true,
		ContextMode:       ContextFull,
		CreditCost:        4,
	},
}

// legacyModeNames maps pre-migration mode names to canonical ones.
// These three aliases are accepted; any other unknown mode is refused.
var legacyModeNames = map[string]string{
	"quick":      ModeQuickDecision,
	"standard":   ModeDecidePlease,
	"extra_care": ModeDecidePrettyPlease,
}

// ResolveMode returns the RunMode for a canonical or legacy mode name.
func ResolveMode(name string) (RunMode, error) {
	if canonical, ok := legacyModeNames[name]; ok {
		name = canonical
	}
	mode, ok := runModes[name]
	if !ok {
		return RunMode{}, fmt.Errorf("unknown run mode %q", name)
	}
	return mode, nil
}

// TitleModel is the fast endpoint used for conversation title generation.
const TitleModel = "google/gemini-2.5-flash"

// DescriptionModel generates textual image descriptions for endpoints
// that cannot accept image input.
const DescriptionModel = "google/gemini-2.0-flash-exp"

// visionModels can accept data-URI image parts directly.
var visionModels = map[string]bool{
	"openai/gpt-5.2":              true,
	"anthropic/claude-opus-4.5":   true,
	"google/gemini-3-pro-preview": true,
	"x-ai/grok-4.1-fast":          true,
	"openai/gpt-4o-mini":          true,
	"anthropic/claude-3-haiku":    true,
	"google/gemini-2.0-flash-exp": true,
	"x-ai/grok-2-mini":            true,
}

// IsVisionModel reports whether an endpoint accepts image input.
func IsVisionModel(model string) bool {
	return visionModels[model]
}

// AttachmentCreditCost is the flat extra charge when a submission carries
// attachments.
const AttachmentCreditCost = 1

// RoleUnlimited bypasses the credit ledger entirely: no reserve, no refund.
const RoleUnlimited = "unlimited"

// BypassCredits reports whether a principal role skips the ledger.
func BypassCredits(role string) bool {
	return role == RoleUnlimited
}
