package council

import (
	"strings"
	"unicode"

	"github.com/decideplease/councild/pkg/models"
)

// TL;DR extraction is a best-effort heuristic over the moderator's
// free-form text. Fields may stay empty; nothing downstream depends on
// the upstream text having any structure.

const (
	verdictSummaryMaxChars = 800
	dissentExcerptMaxChars = 200
	maxDissentingPoints    = 3
	tldrFallbackChars      = 500
	tldrSectionMaxLines    = 5
)

// ExtractTLDRPacket scans the final response line-by-line for known
// section headers and captures up to five non-empty lines after each.
// With no header hits the first 500 characters become the
// recommendation.
func ExtractTLDRPacket(finalResponse string) models.TLDRPacket {
	var packet models.TLDRPacket
	lines := strings.Split(finalResponse, "\n")

	for i, line := range lines {
		lower := strings.ToLower(strings.TrimSpace(line))
		switch {
		case strings.Contains(lower, "recommendation") || strings.Contains(lower, "verdict"):
			packet.Recommendation = extractSection(lines, i)
		case strings.Contains(lower, "confidence"):
			packet.Confidence = extractSection(lines, i)
		case strings.Contains(lower, "risk"):
			packet.KeyRisks = extractSection(lines, i)
		case strings.Contains(lower, "tradeoff") || strings.Contains(lower, "trade-off"):
			packet.Tradeoffs = extractSection(lines, i)
		case strings.Contains(lower, "flip") || strings.Contains(lower, "reconsider"):
			packet.FlipCondition = extractSection(lines, i)
		case strings.Contains(lower, "action") || strings.Contains(lower, "next step"):
			packet.ActionPlan = extractSection(lines, i)
		}
	}

	if packet == (models.TLDRPacket{}) {
		packet.Recommendation = truncate(finalResponse, tldrFallbackChars)
	}
	return packet
}

// extractSection joins the header line and following non-empty lines,
// stopping at the first blank line after content.
func extractSection(lines []string, headerIdx int) string {
	var content []string
	end := headerIdx + tldrSectionMaxLines
	if end > len(lines) {
		end = len(lines)
	}
	for _, line := range lines[headerIdx:end] {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			content = append(content, trimmed)
		} else if len(content) > 0 {
			break
		}
	}
	return strings.Join(content, " ")
}

// ExtractVerdictSummary condenses the final response to at most 800
// characters, preferring verdict-like sections over blind truncation.
func ExtractVerdictSummary(finalResponse string) string {
	lines := strings.Split(finalResponse, "\n")
	var verdictLines []string
	inSection := false

	for _, line := range lines {
		lower := strings.ToLower(strings.TrimSpace(line))
		if containsAny(lower, "verdict", "recommendation", "conclusion", "final answer", "summary") {
			inSection = true
			verdictLines = append(verdictLines, line)
			continue
		}
		if inSection {
			if isSectionBreak(line) && len(verdictLines) > 2 {
				break
			}
			verdictLines = append(verdictLines, line)
		}
	}

	if joined := strings.TrimSpace(strings.Join(verdictLines, " ")); len(joined) > 50 {
		return truncate(joined, verdictSummaryMaxChars)
	}
	return truncate(finalResponse, verdictSummaryMaxChars)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// isSectionBreak reports a markdown header or a numbered section start.
func isSectionBreak(line string) bool {
	if strings.HasPrefix(line, "#") {
		return true
	}
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	head := trimmed
	if len(head) > 3 {
		head = head[:3]
	}
	return unicode.IsDigit(rune(trimmed[0])) && strings.Contains(head, ".")
}

// ExtractDissentingPoints returns up to three excerpts from the
// bottom-two ranked endpoints: the first paragraph of each, capped at
// 200 characters and attributed by short model name.
func ExtractDissentingPoints(stage1 []models.StageResponse, aggregate []models.AggregateRanking) []string {
	if len(aggregate) < 2 {
		return nil
	}

	bottom := make(map[string]bool, 2)
	for _, r := range aggregate[len(aggregate)-2:] {
		bottom[r.Model] = true
	}

	var dissenting []string
	for _, r := range stage1 {
		if !bottom[r.Model] || r.Response == "" {
			continue
		}
		paragraph := firstParagraph(r.Response)
		if paragraph == "" {
			continue
		}
		dissenting = append(dissenting, modelShortName(r.Model)+": "+truncate(paragraph, dissentExcerptMaxChars))
		if len(dissenting) == maxDissentingPoints {
			break
		}
	}
	return dissenting
}

func firstParagraph(text string) string {
	for _, p := range strings.Split(text, "\n\n") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// BuildContextSummary packages a completed run for follow-up queries.
func BuildContextSummary(
	originalQuestion string,
	stage1 []models.StageResponse,
	final *models.StageFinal,
	aggregate []models.AggregateRanking,
) *models.ContextSummary {
	finalText := ""
	if final != nil {
		finalText = final.Response
	}
	return &models.ContextSummary{
		OriginalQuestion:    originalQuestion,
		VerdictSummary:      ExtractVerdictSummary(finalText),
		KeyDissentingPoints: ExtractDissentingPoints(stage1, aggregate),
		Stage1:              stage1,
		AggregateRankings:   aggregate,
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
