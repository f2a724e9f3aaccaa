package council

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsEchoCleanSynthesis(t *testing.T) {
	question := strings.Repeat("Should we migrate the billing system to the new provider? ", 4)
	output := "Based on the analysis, the council recommends proceeding with the migration in two phases..."

	assert.False(t, IsEcho(output, question))
}

func TestIsEchoTriggersOnVerbatimRestatement(t *testing.T) {
	question := strings.Repeat("Should we migrate the billing system to the new provider and deprecate v1? ", 3)
	// Output literally opens with the question and carries no indicator.
	output := question[:120] + " That is the question at hand."

	assert.True(t, IsEcho(output, question))
}

func TestIsEchoWithdrawnByEarlyIndicator(t *testing.T) {
	question := "Should we migrate the billing system to the new provider and deprecate the old v1 API entirely?"
	output := question + " However, the evidence points in one direction."

	assert.False(t, IsEcho(output, question))
}

func TestIsEchoWithdrawnBySubstantialContent(t *testing.T) {
	question := "Should we migrate the billing system to the new provider and deprecate the old v1 API entirely?"
	// No indicator tokens, but plenty of content after the restated prefix.
	filler := strings.Repeat("the migration path is workable and the cost is acceptable ", 12)
	output := question + " " + filler
	require.GreaterOrEqual(t, len(output), 80+500)

	assert.False(t, IsEcho(output, question))
}

func TestIsEchoWithdrawnByMarkdownHeading(t *testing.T) {
	question := "Should we migrate the billing system to the new provider and deprecate the old v1 API entirely?"
	output := question + "\n\n## Assessment\nThe move is justified."

	assert.False(t, IsEcho(output, question))
}

func TestIsEchoNonMatchingPrefix(t *testing.T) {
	assert.False(t, IsEcho("The council agrees.", "Should we do the thing?"))
	assert.False(t, IsEcho("", "question"))
	assert.False(t, IsEcho("output", ""))
}

func TestSalvageEcho(t *testing.T) {
	question := strings.Repeat("Should we migrate the billing system to the new provider right now? ", 3)
	output := question[:90] + " ... therefore the council favors a staged rollout."

	tail, ok := SalvageEcho(output, question)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(tail, "therefore the council favors"))
}

func TestSalvageEchoNothingToKeep(t *testing.T) {
	question := "Should we migrate the billing system to the new provider right now, before the end of the quarter?"
	output := question[:80]

	_, ok := SalvageEcho(output, question)
	assert.False(t, ok)
}

func TestStreamEchoGuardCleanStream(t *testing.T) {
	question := strings.Repeat("Is the proposed architecture sound for our scale requirements? ", 3)
	g := NewStreamEchoGuard(question)

	// Feed a clean synthesis in chunks; nothing is released until the
	// prefix buffer fills.
	chunk := "Based on the council's analysis, the architecture holds up. "
	var released strings.Builder
	for i := 0; i < 10; i++ {
		released.WriteString(g.Feed(chunk))
	}
	tail, echoed := g.Finish()
	released.WriteString(tail)

	assert.False(t, echoed)
	assert.Equal(t, strings.Repeat(chunk, 10), released.String())
}

func TestStreamEchoGuardWithholdsUntilBufferFills(t *testing.T) {
	g := NewStreamEchoGuard("some question about things that matter a great deal to the business right now")

	out := g.Feed("short")
	assert.Empty(t, out, "tokens must be withheld before the prefix buffer fills")
}

func TestStreamEchoGuardDetectsEchoOnShortStream(t *testing.T) {
	question := strings.Repeat("Should we adopt the new framework for all greenfield services this year? ", 3)
	g := NewStreamEchoGuard(question)

	g.Feed(question[:100])
	tail, echoed := g.Finish()

	assert.True(t, echoed)
	assert.Empty(t, tail)
	assert.Equal(t, question[:100], g.Accumulated())
}

func TestStreamEchoGuardEchoAfterBufferFill(t *testing.T) {
	question := strings.Repeat("Should we adopt the new framework for all greenfield services this year? ", 6)
	g := NewStreamEchoGuard(question)

	var released strings.Builder
	for i := 0; i < len(question); i += 50 {
		end := i + 50
		if end > len(question) {
			end = len(question)
		}
		released.WriteString(g.Feed(question[i:end]))
	}
	tail, echoed := g.Finish()
	released.WriteString(tail)

	assert.True(t, echoed)
	assert.Empty(t, released.String())
}
