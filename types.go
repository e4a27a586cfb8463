// Package spiegami implements a streaming relay between callers and a remote
// long-form text generation service. It reassembles the upstream's framed
// incremental protocol into ordered text deltas, enforces a hard per-response
// character budget mid-stream, and gates new requests behind a per-caller
// daily quota held in an external counter store.
package spiegami

import "unicode/utf8"

// Mode selects between a fresh generation and a follow-up continuation.
type Mode string

const (
	ModeStart    Mode = "start"
	ModeContinue Mode = "continue"
)

// Request limits. Caller-supplied values are clamped into these bounds
// before anything reaches the upstream service; raw values never leave
// the orchestrator unclamped.
const (
	DefaultMaxTokens = 1200
	MinMaxTokens     = 256
	MaxMaxTokens     = 8000

	DefaultMaxChars = 4000
	MinMaxChars     = 500
	MaxMaxChars     = 50000

	// MaxPriorChars bounds the prior text a continue request may carry
	// into the prompt.
	MaxPriorChars = 20000
)

// GenerationRequest is one unit of caller work.
type GenerationRequest struct {
	Concept           string `json:"concept"`
	TargetDescription string `json:"targetDescription"`
	Mode              Mode   `json:"mode"`
	PriorText         string `json:"priorText,omitempty"`
	MaxTokens         int    `json:"maxTokens,omitempty"`
	MaxChars          int    `json:"maxChars,omitempty"`
}

// Clamped returns a copy with MaxTokens and MaxChars forced into bounds
// (zero means "use the default") and PriorText capped at MaxPriorChars
// code points.
func (r GenerationRequest) Clamped() GenerationRequest {
	r.MaxTokens = clampInt(r.MaxTokens, DefaultMaxTokens, MinMaxTokens, MaxMaxTokens)
	r.MaxChars = clampInt(r.MaxChars, DefaultMaxChars, MinMaxChars, MaxMaxChars)
	r.PriorText = capRunes(r.PriorText, MaxPriorChars)
	return r
}

// Caller identifies the origin of a request for quota and logging purposes.
type Caller struct {
	// Key is the network-address-derived identity scoping quota counters.
	Key string

	// RequestID correlates log lines and response headers. Filled with a
	// fresh UUID by the service when empty.
	RequestID string
}

func clampInt(v, def, min, max int) int {
	switch {
	case v == 0:
		return def
	case v < min:
		return min
	case v > max:
		return max
	default:
		return v
	}
}

func capRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
