package spiegami

import "time"

// Meter observes request outcomes for monitoring and logging.
type Meter interface {
	// OnRequest is called when a request passes validation.
	OnRequest(event RequestEvent)

	// OnResult is called when a request ends, on every path.
	OnResult(event ResultEvent)
}

// RequestEvent describes an accepted unit of caller work.
type RequestEvent struct {
	RequestID string
	CallerKey string
	Mode      Mode
	MaxTokens int
	MaxChars  int
}

// ResultEvent describes how a request ended.
type ResultEvent struct {
	RequestID         string
	CallerKey         string
	Mode              Mode
	Success           bool
	Chars             int
	Truncated         bool
	NeedsContinuation bool
	QuotaRemaining    int64
	Metered           bool
	Duration          time.Duration
	Error             error
}

// noopMeter is the default meter; it does nothing.
type noopMeter struct{}

func (noopMeter) OnRequest(RequestEvent) {}
func (noopMeter) OnResult(ResultEvent)   {}
