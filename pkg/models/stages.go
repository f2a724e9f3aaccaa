// Package models defines the shared data shapes of the deliberation
// pipeline: stage artifacts, context summaries, and request types.
package models

import (
	"encoding/json"
	"fmt"
)

// StageResponse is one endpoint's answer in stage 1 or stage 1.5.
type StageResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Refined  bool   `json:"refined,omitempty"`
}

// StageRanking is one endpoint's ranking output in stage 2.
// ParsedRanking holds the anonymous labels ("Response A", ...) in the
// order the rater placed them.
type StageRanking struct {
	Model         string   `json:"model"`
	Ranking       string   `json:"ranking"`
	ParsedRanking []string `json:"parsed_ranking"`
}

// StageFinal is the moderator's synthesized answer (stage 3).
type StageFinal struct {
	Model    string `json:"model"`
	Response string `json:"response"`
}

// AggregateRanking is the mean rank position of one endpoint across all
// raters, lower is better.
type AggregateRanking struct {
	Model         string  `json:"model"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// ContextSummary is the derived packet saved next to a committed answer
// and used to build follow-up and rerun queries.
type ContextSummary struct {
	OriginalQuestion    string             `json:"original_question"`
	VerdictSummary      string             `json:"verdict_summary"`
	KeyDissentingPoints []string           `json:"key_dissenting_points"`
	Stage1              []StageResponse    `json:"stage1,omitempty"`
	AggregateRankings   []AggregateRanking `json:"aggregate_rankings,omitempty"`
}

// TLDRPacket is the best-effort extraction of a prior stage-3 response,
// used as advisory rerun context. All fields may be empty; callers must
// not assume any structure in the upstream text.
type TLDRPacket struct {
	Recommendation string `json:"recommendation,omitempty"`
	Confidence     string `json:"confidence,omitempty"`
	KeyRisks       string `json:"key_risks,omitempty"`
	Tradeoffs      string `json:"tradeoffs,omitempty"`
	FlipCondition  string `json:"flip_condition,omitempty"`
	ActionPlan     string `json:"action_plan,omitempty"`
}

// decodeStageColumn unmarshals a JSONB column value into dst.
// Historical rows store either the shape itself or a JSON string
// containing the shape; both are accepted.
func decodeStageColumn(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	// Double-encoded rows: a JSON string whose content is the payload.
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return fmt.Errorf("decode stage column wrapper: %w", err)
		}
		if inner == "" {
			return nil
		}
		raw = []byte(inner)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode stage column: %w", err)
	}
	return nil
}

// DecodeStage1 reads a stage1 or stage1_5 column.
func DecodeStage1(raw []byte) ([]StageResponse, error) {
	var out []StageResponse
	if err := decodeStageColumn(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeStage2 reads a stage2 column.
func DecodeStage2(raw []byte) ([]StageRanking, error) {
	var out []StageRanking
	if err := decodeStageColumn(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeStage3 reads a stage3 column. Returns nil when the column is null.
func DecodeStage3(raw []byte) (*StageFinal, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out StageFinal
	if err := decodeStageColumn(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DecodeContextSummary reads a context_summary column.
func DecodeContextSummary(raw []byte) (*ContextSummary, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out ContextSummary
	if err := decodeStageColumn(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
