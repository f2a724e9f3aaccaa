package council

import (
	"regexp"
	"strings"
)

// Echo handling for stage 3. A moderator occasionally opens by
// restating the question instead of synthesizing. The detector is a
// string-prefix heuristic with a false-positive guard: an apparent echo
// is withdrawn when synthesis indicators appear early or substantial
// content follows the restated prefix.

const (
	echoPrefixLen       = 80
	echoIndicatorWindow = 500
	// streamPrefixLen is how many characters the streaming variant
	// buffers before running the check once.
	streamPrefixLen = 300
)

// synthesisIndicators are tokens whose early presence proves the
// moderator is synthesizing, not echoing. Matched case-insensitively.
var synthesisIndicators = []string{
	"based on",
	"analysis",
	"recommend",
	"synthesis",
	"conclusion",
	"verdict",
	"however",
	"therefore",
	"##",
	"**",
}

var enumeratedListPattern = regexp.MustCompile(`(?m)^\s*\d+[.)]\s`)

// IsEcho reports whether the moderator output opens by restating the
// question. Both conditions must hold: the stripped output begins with
// the first 80 characters of the stripped question, and no synthesis
// indicator appears in the first 500 characters. Substantial content
// after the restated prefix also withdraws the echo.
func IsEcho(output, question string) bool {
	out := strings.TrimSpace(output)
	q := strings.TrimSpace(question)
	if out == "" || q == "" {
		return false
	}

	prefix := q
	if len(prefix) > echoPrefixLen {
		prefix = prefix[:echoPrefixLen]
	}
	if !strings.HasPrefix(out, prefix) {
		return false
	}

	if hasSynthesisIndicator(out) {
		return false
	}

	// Long output after the restated prefix means the answer is in
	// there somewhere, even without an early indicator.
	if len(out) >= len(prefix)+echoIndicatorWindow {
		return false
	}

	return true
}

func hasSynthesisIndicator(out string) bool {
	window := out
	if len(window) > echoIndicatorWindow {
		window = window[:echoIndicatorWindow]
	}
	lower := strings.ToLower(window)
	for _, ind := range synthesisIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return enumeratedListPattern.MatchString(window)
}

// SalvageEcho scans a confirmed echo for the earliest synthesis
// indicator past the restated prefix and, when found, returns the tail
// beginning at that marker. ok=false means nothing salvageable.
func SalvageEcho(output, question string) (string, bool) {
	out := strings.TrimSpace(output)
	q := strings.TrimSpace(question)

	prefix := q
	if len(prefix) > echoPrefixLen {
		prefix = prefix[:echoPrefixLen]
	}
	start := 0
	if strings.HasPrefix(out, prefix) {
		start = len(prefix)
	}

	lower := strings.ToLower(out)
	best := -1
	for _, ind := range synthesisIndicators {
		if idx := strings.Index(lower[start:], ind); idx >= 0 {
			if best < 0 || start+idx < best {
				best = start + idx
			}
		}
	}
	if loc := enumeratedListPattern.FindStringIndex(out[start:]); loc != nil {
		if best < 0 || start+loc[0] < best {
			best = start + loc[0]
		}
	}

	if best < 0 {
		return "", false
	}
	tail := strings.TrimSpace(out[best:])
	if tail == "" {
		return "", false
	}
	return tail, true
}

// StreamEchoGuard runs the echo check over a token stream. Tokens are
// withheld until the prefix buffer fills; then the check runs once and,
// if clean, everything buffered is released and subsequent tokens pass
// through. An early end of stream runs the check on whatever
// accumulated.
type StreamEchoGuard struct {
	question string
	buf      strings.Builder
	checked  bool
	echoed   bool
}

// NewStreamEchoGuard creates a guard for one moderator stream.
func NewStreamEchoGuard(question string) *StreamEchoGuard {
	return &StreamEchoGuard{question: question}
}

// Feed consumes one token and returns the text releasable to the
// client now. Before the check runs, the returned text is empty.
func (g *StreamEchoGuard) Feed(token string) string {
	if g.checked {
		if g.echoed {
			g.buf.WriteString(token)
			return ""
		}
		return token
	}

	g.buf.WriteString(token)
	if g.buf.Len() < streamPrefixLen {
		return ""
	}

	g.checked = true
	g.echoed = IsEcho(g.buf.String(), g.question)
	if g.echoed {
		return ""
	}
	return g.buf.String()
}

// Finish ends the stream. Returns the remaining releasable text and
// whether the stream was an echo. On a short stream the check runs
// here, on whatever accumulated.
func (g *StreamEchoGuard) Finish() (string, bool) {
	if !g.checked {
		g.checked = true
		g.echoed = IsEcho(g.buf.String(), g.question)
		if g.echoed {
			return "", true
		}
		return g.buf.String(), false
	}
	if g.echoed {
		return "", true
	}
	return "", false
}

// Accumulated returns everything fed so far, for salvage after an echo.
func (g *StreamEchoGuard) Accumulated() string {
	return g.buf.String()
}
