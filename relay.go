package spiegami

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"unicode/utf8"
)

// relayReadSize is the size of a single upstream read.
const relayReadSize = 4096

// dataMarker prefixes the payload-carrying lines of a frame.
const dataMarker = "data:"

// endOfStreamPayload is the protocol's end-of-stream sentinel. It carries
// no content and is never forwarded.
const endOfStreamPayload = "[DONE]"

// RelayState is the lifecycle of one relay invocation.
type RelayState int

const (
	StateStreaming RelayState = iota
	StateTruncating
	StateDone
	StateFailed
)

// RelayResult summarizes one relay invocation.
type RelayResult struct {
	Text              string
	Chars             int // code points emitted, continuation marker included
	Truncated         bool
	NeedsContinuation bool
}

// Relay converts the upstream framed cumulative-text protocol into an
// ordered sequence of caller-visible deltas, enforcing a hard character
// budget as it goes. One Relay serves exactly one invocation; all state
// dies with it.
type Relay struct {
	maxChars int
	policy   ContinuationPolicy
	emit     func(text string) error

	state        RelayState
	frameBuf     []byte
	lastObserved string
	text         strings.Builder
	chars        int
	truncated    bool
}

// NewRelay creates a relay that forwards deltas through emit until maxChars
// code points have been sent.
func NewRelay(maxChars int, policy ContinuationPolicy, emit func(text string) error) *Relay {
	return &Relay{maxChars: maxChars, policy: policy, emit: emit}
}

// State returns the relay's current lifecycle state.
func (r *Relay) State() RelayState {
	return r.state
}

// Run drives the strictly sequential read-parse-emit loop until the
// upstream closes, the budget is exhausted, or ctx is canceled. cancel
// aborts the upstream exchange; it fires as soon as the relay stops
// consuming, truncation included, so discarded generation is not paid for.
func (r *Relay) Run(ctx context.Context, body io.ReadCloser, cancel context.CancelFunc) (RelayResult, error) {
	defer body.Close()
	defer cancel()

	buf := make([]byte, relayReadSize)
	for r.state == StateStreaming {
		if err := ctx.Err(); err != nil {
			r.state = StateFailed
			return r.result(), err
		}
		n, err := body.Read(buf)
		if n > 0 {
			if emitErr := r.consume(buf[:n]); emitErr != nil {
				r.state = StateFailed
				return r.result(), emitErr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			r.state = StateFailed
			return r.result(), err
		}
	}
	return r.finish()
}

// consume appends raw upstream bytes to the frame buffer and processes
// every complete frame in it. A trailing partial frame stays buffered for
// the next read; a frame is never parsed before its delimiter was seen.
func (r *Relay) consume(p []byte) error {
	r.frameBuf = append(r.frameBuf, p...)
	for r.state == StateStreaming {
		frame, rest, ok := nextFrame(r.frameBuf)
		if !ok {
			return nil
		}
		r.frameBuf = rest
		if err := r.processFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

// nextFrame splits off the first blank-line-delimited frame, accepting
// both LF and CRLF line endings.
func nextFrame(buf []byte) (frame, rest []byte, ok bool) {
	i := bytes.Index(buf, []byte("\n\n"))
	j := bytes.Index(buf, []byte("\r\n\r\n"))
	switch {
	case i < 0 && j < 0:
		return nil, buf, false
	case j >= 0 && (i < 0 || j < i):
		return buf[:j], buf[j+4:], true
	default:
		return buf[:i], buf[i+2:], true
	}
}

// processFrame extracts data payloads from one frame and reconciles the
// resulting deltas. Malformed payloads are skipped; one bad frame must not
// abort an otherwise healthy stream.
func (r *Relay) processFrame(frame []byte) error {
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, []byte(dataMarker)) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataMarker):])
		if len(payload) == 0 || string(payload) == endOfStreamPayload {
			continue
		}
		cumulative, ok := parseCumulativeText(payload)
		if !ok {
			continue
		}
		if err := r.advance(cumulative); err != nil {
			return err
		}
		if r.state != StateStreaming {
			return nil
		}
	}
	return nil
}

// streamPayload mirrors the upstream generation service's frame payload.
// Each payload reports the model's cumulative text-so-far for the current
// turn, not a pure delta.
type streamPayload struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func parseCumulativeText(payload []byte) (string, bool) {
	var p streamPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", false
	}
	if len(p.Candidates) == 0 {
		return "", false
	}
	var b strings.Builder
	for _, part := range p.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}

// advance reconciles a newly observed cumulative text against what was
// already sent, then clamps the delta to the remaining budget.
func (r *Relay) advance(cumulative string) error {
	delta := ""
	if strings.HasPrefix(cumulative, r.lastObserved) {
		delta = cumulative[len(r.lastObserved):]
	}
	// A regressed cumulative text is a protocol anomaly: nothing is
	// emitted for this frame, but the new value is still trusted as the
	// baseline for the next one.
	r.lastObserved = cumulative
	if delta == "" {
		return nil
	}

	remaining := r.maxChars - r.chars
	if remaining <= 0 {
		r.state = StateTruncating
		r.truncated = true
		return nil
	}
	runes := []rune(delta)
	if len(runes) > remaining {
		runes = runes[:remaining]
		delta = string(runes)
		r.state = StateTruncating
		r.truncated = true
	}
	if err := r.emit(delta); err != nil {
		return err
	}
	r.text.WriteString(delta)
	r.chars += len(runes)
	return nil
}

// finish decides the continuation flag and appends the marker when it
// still fits inside the budget. When it does not fit, the flag alone
// tells the caller.
func (r *Relay) finish() (RelayResult, error) {
	r.state = StateDone
	res := r.result()
	res.NeedsContinuation = r.policy.NeedsContinuation(res.Text, r.maxChars, r.truncated)
	if !res.NeedsContinuation {
		return res, nil
	}
	if strings.HasSuffix(strings.TrimRight(res.Text, " \t\r\n"), r.policy.Marker) {
		return res, nil
	}
	suffix := "\n" + r.policy.Marker
	suffixLen := utf8.RuneCountInString(suffix)
	if r.chars+suffixLen > r.maxChars {
		return res, nil
	}
	if err := r.emit(suffix); err != nil {
		r.state = StateFailed
		return res, err
	}
	r.text.WriteString(suffix)
	r.chars += suffixLen
	res.Text = r.text.String()
	res.Chars = r.chars
	return res, nil
}

func (r *Relay) result() RelayResult {
	return RelayResult{Text: r.text.String(), Chars: r.chars, Truncated: r.truncated}
}
