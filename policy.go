package spiegami

import (
	"strings"
	"unicode/utf8"
)

// ContinuationMarker is the literal trailing token the upstream prompt is
// instructed to emit when it runs out of room on its own.
const ContinuationMarker = "...(continua)"

// ContinuationPolicy decides whether a finished response needs a follow-up
// continue request. The signals are deliberately kept as one named, tunable
// unit rather than inlined in the truncation path.
type ContinuationPolicy struct {
	// Marker is the explicit trailing token. Defaults to ContinuationMarker.
	Marker string

	// LengthRatio is the fill fraction of the character budget above which
	// the text is presumed incomplete.
	LengthRatio float64
}

// DefaultContinuationPolicy returns the policy used in production.
func DefaultContinuationPolicy() ContinuationPolicy {
	return ContinuationPolicy{Marker: ContinuationMarker, LengthRatio: 0.92}
}

// NeedsContinuation reports whether text, produced under a budget of
// maxChars code points, should be continued. truncated is true when the
// relay cut the stream on budget.
func (p ContinuationPolicy) NeedsContinuation(text string, maxChars int, truncated bool) bool {
	if truncated {
		return true
	}
	trimmed := strings.TrimRight(text, " \t\r\n")
	if strings.HasSuffix(trimmed, p.Marker) {
		return true
	}
	if maxChars > 0 && float64(utf8.RuneCountInString(text))/float64(maxChars) >= p.LengthRatio {
		return true
	}
	return !endsWithTerminalPunctuation(trimmed)
}

// endsWithTerminalPunctuation reports whether s ends a sentence. Closing
// quotes and brackets after the punctuation mark still count as terminal.
func endsWithTerminalPunctuation(s string) bool {
	runes := []rune(s)
	for i := len(runes) - 1; i >= 0; i-- {
		switch runes[i] {
		case '"', '\'', ')', ']', '»', '”', '’':
			continue
		case '.', '!', '?', '…':
			return true
		default:
			return false
		}
	}
	return false
}
