package council

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decideplease/councild/pkg/models"
)

func TestBuildRankingPromptRoundTripsThroughParser(t *testing.T) {
	responses := []models.StageResponse{
		{Model: "openai/gpt-5.2", Response: "Answer one."},
		{Model: "anthropic/claude-x", Response: "Answer two."},
		{Model: "google/gemini-3", Response: "Answer three."},
	}

	prompt, labelToModel := buildRankingPrompt("Should we?", responses)

	require.Len(t, labelToModel, 3)
	assert.Equal(t, "openai/gpt-5.2", labelToModel["Response A"])
	assert.Equal(t, "google/gemini-3", labelToModel["Response C"])
	assert.Contains(t, prompt, "FINAL RANKING:")
	assert.Contains(t, prompt, "Response A:\nAnswer one.")

	// A ranker following the prompt's example format must be parseable.
	parsed := ParseRanking("FINAL RANKING:\n1. Response C\n2. Response A\n3. Response B")
	assert.Equal(t, []string{"Response C", "Response A", "Response B"}, parsed)
}

func TestBuildCrossReviewPromptAnonymizesPeers(t *testing.T) {
	peers := []models.StageResponse{
		{Model: "openai/gpt-5.2", Response: "Peer answer alpha."},
		{Model: "google/gemini-3", Response: "Peer answer beta."},
	}
	rng := rand.New(rand.NewSource(1))

	prompt := buildCrossReviewPrompt("Should we?", "My own take.", peers, rng)

	assert.Contains(t, prompt, "YOUR PREVIOUS RESPONSE:\nMy own take.")
	assert.Contains(t, prompt, "Peer answer alpha.")
	assert.Contains(t, prompt, "Peer answer beta.")
	assert.Contains(t, prompt, "Response A:")
	assert.Contains(t, prompt, "Response B:")
	// Peer identities never leak into the refinement prompt.
	assert.NotContains(t, prompt, "gpt-5.2")
	assert.NotContains(t, prompt, "gemini-3")
}

func TestBuildSynthesisPrompt(t *testing.T) {
	responses := []models.StageResponse{{Model: "m1", Response: "R1"}}
	rankings := []models.StageRanking{{Model: "m1", Ranking: "FINAL RANKING:\n1. Response A"}}

	withRankings := buildSynthesisPrompt("Q?", responses, rankings)
	assert.Contains(t, withRankings, "STAGE 2 - Peer Rankings:")
	assert.Contains(t, withRankings, "Do NOT reference the anonymous response labels")

	withoutRankings := buildSynthesisPrompt("Q?", responses, nil)
	assert.NotContains(t, withoutRankings, "STAGE 2")
	assert.Contains(t, withoutRankings, "Individual Responses:")
}

func TestBuildStrictSynthesisPrompt(t *testing.T) {
	prompt := buildStrictSynthesisPrompt("Q?", []models.StageResponse{{Model: "m", Response: "r"}}, nil)
	assert.Contains(t, prompt, "CRITICAL: Do NOT repeat or restate the question.")
}

func TestBuildRerunQueryWithNewInput(t *testing.T) {
	packet := models.TLDRPacket{
		Recommendation: "Proceed in Q3.",
		Confidence:     "High.",
		FlipCondition:  "Reconsider if pricing doubles.",
	}

	query := BuildRerunQuery("Should we migrate?", packet, "Pricing just doubled.")

	assert.Contains(t, query, "Original Decision Question: Should we migrate?")
	assert.Contains(t, query, "Previous Recommendation: Proceed in Q3.")
	assert.Contains(t, query, "Flip Condition: Reconsider if pricing doubles.")
	assert.Contains(t, query, "NEW INFORMATION/FOLLOW-UP:\nPricing just doubled.")
	assert.Contains(t, query, "Update the verdict based on the new input")
}

func TestBuildRerunQueryWithoutNewInput(t *testing.T) {
	query := BuildRerunQuery("Should we migrate?", models.TLDRPacket{Recommendation: "Yes."}, "   ")

	assert.Contains(t, query, "independent recommendation")
	assert.Contains(t, query, "Do NOT assume the previous verdict is correct")
	assert.NotContains(t, query, "NEW INFORMATION")
}

func TestBuildFollowupQueryMinimal(t *testing.T) {
	summary := &models.ContextSummary{
		OriginalQuestion:    "Should we migrate?",
		KeyDissentingPoints: []string{"grok: disagreed on cost"},
	}

	query := BuildFollowupQuery("The verdict text.", "What about staffing?", summary, "minimal")

	assert.Contains(t, query, "Council's Verdict:\nThe verdict text.")
	assert.Contains(t, query, "Previous Question: Should we migrate?")
	assert.Contains(t, query, "FOLLOW-UP QUESTION:\nWhat about staffing?")
	assert.NotContains(t, query, "Dissenting")
}

func TestBuildFollowupQueryStandardAddsDissent(t *testing.T) {
	summary := &models.ContextSummary{
		OriginalQuestion:    "Should we migrate?",
		KeyDissentingPoints: []string{"grok: disagreed on cost"},
	}

	query := BuildFollowupQuery("The verdict text.", "What about staffing?", summary, "standard")

	assert.Contains(t, query, "Key Dissenting Views:\n- grok: disagreed on cost")
	assert.NotContains(t, query, "INDIVIDUAL MODEL PERSPECTIVES")
}

func TestBuildFollowupQueryFullAddsPerspectivesAndRankings(t *testing.T) {
	summary := &models.ContextSummary{
		OriginalQuestion: "Should we migrate?",
		Stage1: []models.StageResponse{
			{Model: "openai/gpt-5.2", Response: strings.Repeat("a", 400)},
			{Model: "google/gemini-3", Response: "short"},
		},
		AggregateRankings: []models.AggregateRanking{
			{Model: "openai/gpt-5.2", AverageRank: 1.5},
			{Model: "google/gemini-3", AverageRank: 2.0},
		},
	}

	query := BuildFollowupQuery("Verdict.", "Next?", summary, "full")

	assert.Contains(t, query, "INDIVIDUAL MODEL PERSPECTIVES")
	assert.Contains(t, query, "gpt-5.2: "+strings.Repeat("a", 300)+"...")
	assert.Contains(t, query, "gemini-3: short")
	assert.Contains(t, query, "Model Rankings (best to worst): gpt-5.2 (avg rank: 1.5), gemini-3 (avg rank: 2)")
}

func TestBuildFollowupQueryWithoutSummary(t *testing.T) {
	query := BuildFollowupQuery("Verdict.", "Next?", nil, "full")
	assert.Contains(t, query, "Council's Verdict:\nVerdict.")
	assert.NotContains(t, query, "Previous Question")
}

func TestModelShortName(t *testing.T) {
	assert.Equal(t, "claude-x", modelShortName("anthropic/claude-x"))
	assert.Equal(t, "local", modelShortName("local"))
}
