package council

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/decideplease/councild/pkg/models"
)

// modelShortName strips the provider prefix: "anthropic/claude-x" → "claude-x".
func modelShortName(model string) string {
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		return model[idx+1:]
	}
	return model
}

// buildRankingPrompt produces the peer-ranking prompt. The FINAL
// RANKING: header and the "N. Response X" item format are load-bearing:
// ParseRanking depends on them.
func buildRankingPrompt(userQuery string, responses []models.StageResponse) (string, map[string]string) {
	labelToModel := make(map[string]string, len(responses))
	var blocks []string
	for i, r := range responses {
		label := ResponseLabel(i)
		labelToModel[label] = r.Model
		blocks = append(blocks, fmt.Sprintf("%s:\n%s", label, r.Response))
	}

	prompt := fmt.Sprintf(`You are evaluating different responses to the following question:

Question: %s

Here are the responses from different models (anonymized):

%s

Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly.
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Example of the correct format for your ENTIRE response:

Response A provides good detail on X but misses Y...
Response B is accurate but lacks depth on Z...
Response C offers the most comprehensive answer...

FINAL RANKING:
1. Response C
2. Response A
3. Response B

Now provide your evaluation and ranking:`, userQuery, strings.Join(blocks, "\n\n"))

	return prompt, labelToModel
}

// buildCrossReviewPrompt produces the refinement prompt for one
// endpoint: its own stage-1 answer verbatim, then the other answers
// relabeled A, B, C, ... in a per-endpoint random shuffle so no
// endpoint can tell which peer wrote which answer.
func buildCrossReviewPrompt(userQuery, ownResponse string, peers []models.StageResponse, rng *rand.Rand) string {
	shuffled := make([]models.StageResponse, len(peers))
	copy(shuffled, peers)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	var blocks []string
	for i, p := range shuffled {
		blocks = append(blocks, fmt.Sprintf("%s:\n%s", ResponseLabel(i), p.Response))
	}

	return fmt.Sprintf(`You are participating in a cross-review step of an AI council deliberation.

ORIGINAL QUESTION:
%s

YOUR PREVIOUS RESPONSE:
%s

RESPONSES FROM THE OTHER COUNCIL MEMBERS (anonymized):

%s

---

YOUR TASK:
Having now seen the other responses from the council, provide your REFINED answer to the original question.

You may:
- Incorporate valuable insights from other responses you hadn't considered
- Strengthen your argument if you believe your initial position was correct
- Change or nuance your position if another response convinced you
- Address points of disagreement directly
- Correct any errors you notice (in your response or others)

Important: This is your FINAL answer before the peer ranking phase. Make it comprehensive and well-reasoned.

Your refined response:`, userQuery, ownResponse, strings.Join(blocks, "\n\n"))
}

// buildSynthesisPrompt produces the moderator prompt. Responses are
// keyed by endpoint identifier; rankings are included verbatim when
// peer review ran.
func buildSynthesisPrompt(userQuery string, responses []models.StageResponse, rankings []models.StageRanking) string {
	var stage1Blocks []string
	for _, r := range responses {
		stage1Blocks = append(stage1Blocks, fmt.Sprintf("Model: %s\nResponse: %s", r.Model, r.Response))
	}
	stage1Text := strings.Join(stage1Blocks, "\n\n")

	if len(rankings) > 0 {
		var stage2Blocks []string
		for _, r := range rankings {
			stage2Blocks = append(stage2Blocks, fmt.Sprintf("Model: %s\nRanking: %s", r.Model, r.Ranking))
		}

		return fmt.Sprintf(`You are the Chairman of a decision council. Multiple AI models have provided responses to a user's question, and then ranked each other's responses.

Original Question: %s

STAGE 1 - Individual Responses:
%s

STAGE 2 - Peer Rankings:
%s

Your task as Chairman is to synthesize all of this information into a single, comprehensive, accurate answer to the user's original question. Consider:
- The individual responses and their insights
- The peer rankings and what they reveal about response quality
- Any patterns of agreement or disagreement

Do NOT reference the anonymous response labels (Response A, Response B, ...) in your answer; speak directly to the user.

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`,
			userQuery, stage1Text, strings.Join(stage2Blocks, "\n\n"))
	}

	return fmt.Sprintf(`You are the Chairman of a decision council. Multiple AI models have provided responses to a user's question.

Original Question: %s

Individual Responses:
%s

Your task as Chairman is to synthesize all of these responses into a single, comprehensive, accurate answer to the user's original question. Consider:
- The key insights from each response
- Areas of agreement and disagreement
- The strongest arguments and evidence presented

Do NOT reference the anonymous response labels in your answer; speak directly to the user.

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`,
		userQuery, stage1Text)
}

// buildStrictSynthesisPrompt is the second-chance moderator prompt
// issued after echo detection.
func buildStrictSynthesisPrompt(userQuery string, responses []models.StageResponse, rankings []models.StageRanking) string {
	base := buildSynthesisPrompt(userQuery, responses, rankings)
	return base + `

CRITICAL: Do NOT repeat or restate the question. Begin your answer directly with your synthesis of the council's responses.`
}

// echoFailureText is committed as the stage-3 response when the
// moderator echoes the question twice in a row.
const echoFailureText = "The council was unable to produce a usable synthesis for this question. The individual responses above still stand; please retry the decision or rephrase the question."

// BuildRerunQuery constructs the effective query for a rerun: the
// structured context block from the prior verdict, then either an
// update instruction (new input present) or an independent
// second-opinion instruction.
func BuildRerunQuery(originalQuestion string, packet models.TLDRPacket, newInput string) string {
	parts := []string{fmt.Sprintf("Original Decision Question: %s", originalQuestion)}
	if packet.Recommendation != "" {
		parts = append(parts, fmt.Sprintf("Previous Recommendation: %s", packet.Recommendation))
	}
	if packet.Confidence != "" {
		parts = append(parts, fmt.Sprintf("Previous Confidence: %s", packet.Confidence))
	}
	if packet.KeyRisks != "" {
		parts = append(parts, fmt.Sprintf("Key Risks Identified: %s", packet.KeyRisks))
	}
	if packet.Tradeoffs != "" {
		parts = append(parts, fmt.Sprintf("Tradeoffs: %s", packet.Tradeoffs))
	}
	if packet.FlipCondition != "" {
		parts = append(parts, fmt.Sprintf("Flip Condition: %s", packet.FlipCondition))
	}
	contextSummary := strings.Join(parts, "\n")

	if strings.TrimSpace(newInput) != "" {
		return fmt.Sprintf(`%s

NEW INFORMATION/FOLLOW-UP:
%s

INSTRUCTION: Update the verdict based on the new input above. Clearly state what changed since the last verdict and provide an updated recommendation.`, contextSummary, newInput)
	}

	return fmt.Sprintf(`%s

INSTRUCTION: Provide an independent recommendation for this decision. Do NOT assume the previous verdict is correct. If you agree with the previous recommendation, explain why. If you disagree, explain what you would change and why.`, contextSummary)
}

// BuildFollowupQuery constructs the effective query for a follow-up
// question. The prior final answer is always prepended verbatim; the
// mode's context verbosity decides how much surrounding deliberation
// context rides along with it.
func BuildFollowupQuery(priorFinal, newQuestion string, summary *models.ContextSummary, contextMode string) string {
	var b strings.Builder

	b.WriteString("CONTEXT FROM PREVIOUS COUNCIL DECISION:\n\n")
	if summary != nil && summary.OriginalQuestion != "" {
		fmt.Fprintf(&b, "Previous Question: %s\n\n", summary.OriginalQuestion)
	}
	fmt.Fprintf(&b, "Council's Verdict:\n%s\n", priorFinal)

	if summary != nil && contextMode != "minimal" {
		dissentText := "None noted"
		if len(summary.KeyDissentingPoints) > 0 {
			var lines []string
			for _, p := range summary.KeyDissentingPoints {
				lines = append(lines, "- "+p)
			}
			dissentText = strings.Join(lines, "\n")
		}
		fmt.Fprintf(&b, "\nKey Dissenting Views:\n%s\n", dissentText)

		if contextMode == "full" {
			if len(summary.Stage1) > 0 {
				b.WriteString("\nINDIVIDUAL MODEL PERSPECTIVES (Summaries):\n")
				limit := len(summary.Stage1)
				if limit > 5 {
					limit = 5
				}
				for _, r := range summary.Stage1[:limit] {
					resp := r.Response
					if len(resp) > 300 {
						resp = resp[:300] + "..."
					}
					fmt.Fprintf(&b, "%s: %s\n\n", modelShortName(r.Model), resp)
				}
			}
			if len(summary.AggregateRankings) > 0 {
				var ranked []string
				for _, r := range summary.AggregateRankings {
					ranked = append(ranked, fmt.Sprintf("%s (avg rank: %g)", modelShortName(r.Model), r.AverageRank))
				}
				fmt.Fprintf(&b, "\nModel Rankings (best to worst): %s\n", strings.Join(ranked, ", "))
			}
		}
	}

	fmt.Fprintf(&b, `
---

FOLLOW-UP QUESTION:
%s

Respond to the new input above, taking into account the previous council decision.`, newQuestion)

	return b.String()
}

// buildTitlePrompt asks for a 3-5 word conversation title.
func buildTitlePrompt(userQuery string) string {
	return fmt.Sprintf(`Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`, userQuery)
}
