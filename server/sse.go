package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/simplifai/spiegami"
)

// Wire event shapes.
type chunkEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type doneEvent struct {
	Type              string     `json:"type"`
	NeedsContinuation bool       `json:"needsContinuation"`
	Used              usedInfo   `json:"used"`
	Mode              string     `json:"mode"`
	Quota             *quotaInfo `json:"quota,omitempty"`
}

type usedInfo struct {
	MaxTokens int `json:"maxTokens"`
	MaxChars  int `json:"maxChars"`
}

type quotaInfo struct {
	Remaining int64  `json:"remaining"`
	Limit     int64  `json:"limit"`
	ResetAt   string `json:"resetAt"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func quotaJSON(q spiegami.QuotaSnapshot) quotaInfo {
	return quotaInfo{
		Remaining: q.Remaining,
		Limit:     q.Limit,
		ResetAt:   q.ResetAt.UTC().Format(time.RFC3339),
	}
}

// sseSink writes normalized events as server-sent-event frames. Headers go
// out lazily with the first event, so pre-stream rejections can still be
// plain JSON responses.
type sseSink struct {
	c       *gin.Context
	started bool
}

var _ spiegami.EventSink = (*sseSink)(nil)

func (s *sseSink) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.c.Writer.WriteHeader(http.StatusOK)
}

func (s *sseSink) send(v any) error {
	s.start()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}

func (s *sseSink) Chunk(text string) error {
	return s.send(chunkEvent{Type: "chunk", Text: text})
}

func (s *sseSink) Done(ev spiegami.DoneEvent) error {
	out := doneEvent{
		Type:              "done",
		NeedsContinuation: ev.NeedsContinuation,
		Used:              usedInfo{MaxTokens: ev.MaxTokens, MaxChars: ev.MaxChars},
		Mode:              string(ev.Mode),
	}
	if ev.Quota != nil {
		q := quotaJSON(*ev.Quota)
		out.Quota = &q
	}
	return s.send(out)
}

func (s *sseSink) Error(message string) error {
	return s.send(errorEvent{Type: "error", Message: message})
}
