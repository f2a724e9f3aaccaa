package council

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decideplease/councild/pkg/models"
)

func TestParseRanking(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "numbered list after header",
			text: "Response A is thorough...\nResponse B is shallow...\n\nFINAL RANKING:\n1. Response C\n2. Response A\n3. Response B",
			want: []string{"Response C", "Response A", "Response B"},
		},
		{
			name: "header without numbered items falls back to label scan",
			text: "FINAL RANKING:\nResponse B, then Response A, then Response C",
			want: []string{"Response B", "Response A", "Response C"},
		},
		{
			name: "no header scans whole text",
			text: "I prefer Response B over Response A.",
			want: []string{"Response B", "Response A"},
		},
		{
			name: "empty text",
			text: "",
			want: []string{},
		},
		{
			name: "discussion before header is not picked up",
			text: "Response A does X well. Response B misses Y.\nFINAL RANKING:\n1. Response B\n2. Response A",
			want: []string{"Response B", "Response A"},
		},
		{
			name: "numbered items with no space after period",
			text: "FINAL RANKING:\n1.Response A\n2.Response B",
			want: []string{"Response A", "Response B"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseRanking(tt.text)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAggregateRankings(t *testing.T) {
	labelToModel := map[string]string{
		"Response A": "m1",
		"Response B": "m2",
		"Response C": "m3",
	}
	rankings := []models.StageRanking{
		{Model: "m1", ParsedRanking: []string{"Response A", "Response B", "Response C"}},
		{Model: "m2", ParsedRanking: []string{"Response B", "Response A", "Response C"}},
		{Model: "m3", ParsedRanking: []string{"Response A", "Response C", "Response B"}},
	}

	got := AggregateRankings(rankings, labelToModel)
	require.Len(t, got, 3)

	assert.Equal(t, "m1", got[0].Model)
	assert.InDelta(t, 1.33, got[0].AverageRank, 0.001)
	assert.Equal(t, 3, got[0].RankingsCount)

	assert.Equal(t, "m2", got[1].Model)
	assert.InDelta(t, 1.67, got[1].AverageRank, 0.001)

	assert.Equal(t, "m3", got[2].Model)
	assert.InDelta(t, 2.67, got[2].AverageRank, 0.001)
}

func TestAggregateRankingsIgnoresUnknownLabels(t *testing.T) {
	labelToModel := map[string]string{"Response A": "m1"}
	rankings := []models.StageRanking{
		{Model: "m1", ParsedRanking: []string{"Response Z", "Response A"}},
	}

	got := AggregateRankings(rankings, labelToModel)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].Model)
	assert.InDelta(t, 2.0, got[0].AverageRank, 0.001)
}

func TestAggregateRankingsParsesWhenUnparsed(t *testing.T) {
	labelToModel := map[string]string{"Response A": "m1", "Response B": "m2"}
	rankings := []models.StageRanking{
		{Model: "m1", Ranking: "FINAL RANKING:\n1. Response B\n2. Response A"},
	}

	got := AggregateRankings(rankings, labelToModel)
	require.Len(t, got, 2)
	assert.Equal(t, "m2", got[0].Model)
	assert.InDelta(t, 1.0, got[0].AverageRank, 0.001)
}

func TestAggregateRankingsEmpty(t *testing.T) {
	assert.Empty(t, AggregateRankings(nil, map[string]string{}))
}

func TestResponseLabel(t *testing.T) {
	assert.Equal(t, "Response A", ResponseLabel(0))
	assert.Equal(t, "Response E", ResponseLabel(4))
}
