package council

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/decideplease/councild/pkg/models"
)

const rankingHeader = "FINAL RANKING:"

var (
	numberedLabelPattern = regexp.MustCompile(`\d+\.\s*Response [A-Z]`)
	labelPattern         = regexp.MustCompile(`Response [A-Z]`)
)

// ResponseLabel returns the anonymous label for position i: "Response A",
// "Response B", ...
func ResponseLabel(i int) string {
	return fmt.Sprintf("Response %c", rune('A'+i))
}

// ParseRanking extracts the ordered label list from a rater's reply.
// After the FINAL RANKING: header it prefers numbered items
// ("1. Response A"); with no numbered items it takes any label
// occurrences in the section in order; with no header it scans the
// whole text.
func ParseRanking(text string) []string {
	section := text
	if idx := strings.Index(text, rankingHeader); idx >= 0 {
		section = text[idx+len(rankingHeader):]
		if numbered := numberedLabelPattern.FindAllString(section, -1); len(numbered) > 0 {
			out := make([]string, 0, len(numbered))
			for _, m := range numbered {
				out = append(out, labelPattern.FindString(m))
			}
			return out
		}
	}
	return labelPattern.FindAllString(section, -1)
}

// AggregateRankings computes the mean rank position per endpoint across
// all raters, sorted ascending (lower is better). Labels not present in
// labelToModel are ignored.
func AggregateRankings(rankings []models.StageRanking, labelToModel map[string]string) []models.AggregateRanking {
	positions := make(map[string][]int)
	for _, r := range rankings {
		parsed := r.ParsedRanking
		if parsed == nil {
			parsed = ParseRanking(r.Ranking)
		}
		for pos, label := range parsed {
			if model, ok := labelToModel[label]; ok {
				positions[model] = append(positions[model], pos+1)
			}
		}
	}

	aggregate := make([]models.AggregateRanking, 0, len(positions))
	for model, ps := range positions {
		sum := 0
		for _, p := range ps {
			sum += p
		}
		avg := float64(sum) / float64(len(ps))
		aggregate = append(aggregate, models.AggregateRanking{
			Model:         model,
			AverageRank:   math.Round(avg*100) / 100,
			RankingsCount: len(ps),
		})
	}

	sort.Slice(aggregate, func(i, j int) bool {
		if aggregate[i].AverageRank != aggregate[j].AverageRank {
			return aggregate[i].AverageRank < aggregate[j].AverageRank
		}
		return aggregate[i].Model < aggregate[j].Model
	})
	return aggregate
}
