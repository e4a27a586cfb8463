// Package mock provides a scripted upstream for tests and local development.
package mock

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/simplifai/spiegami"
)

// Upstream replays a scripted sequence of protocol frames on every call.
type Upstream struct {
	frames  []string
	openErr error

	callCount atomic.Int64

	mu     sync.Mutex
	bodies []*Body
}

var _ spiegami.Upstream = (*Upstream)(nil)

// Option configures a mock Upstream.
type Option func(*Upstream)

// WithCumulativeTexts scripts one frame per cumulative text, followed by
// the end-of-stream sentinel.
func WithCumulativeTexts(texts ...string) Option {
	return func(u *Upstream) {
		for _, t := range texts {
			u.frames = append(u.frames, Frame(t))
		}
		u.frames = append(u.frames, DoneFrame())
	}
}

// WithRawFrames scripts the exact bytes the stream will carry.
func WithRawFrames(frames ...string) Option {
	return func(u *Upstream) { u.frames = append([]string(nil), frames...) }
}

// WithOpenError makes every call fail before a stream is opened.
func WithOpenError(err error) Option {
	return func(u *Upstream) { u.openErr = err }
}

// New creates a mock upstream with the given options.
func New(opts ...Option) *Upstream {
	u := &Upstream{}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Frame renders one protocol frame carrying the given cumulative text.
func Frame(cumulative string) string {
	payload := map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"parts": []any{map[string]any{"text": cumulative}},
				},
			},
		},
	}
	b, _ := json.Marshal(payload)
	return "data: " + string(b) + "\n\n"
}

// DoneFrame renders the protocol's end-of-stream sentinel frame.
func DoneFrame() string {
	return "data: [DONE]\n\n"
}

// GenerateStream returns a fresh body replaying the scripted frames.
func (u *Upstream) GenerateStream(_ context.Context, _ spiegami.UpstreamRequest) (io.ReadCloser, error) {
	u.callCount.Add(1)
	if u.openErr != nil {
		return nil, u.openErr
	}
	body := &Body{reader: strings.NewReader(strings.Join(u.frames, ""))}
	u.mu.Lock()
	u.bodies = append(u.bodies, body)
	u.mu.Unlock()
	return body, nil
}

// Calls returns how many times GenerateStream was invoked.
func (u *Upstream) Calls() int {
	return int(u.callCount.Load())
}

// LastBody returns the most recently opened body, or nil.
func (u *Upstream) LastBody() *Body {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.bodies) == 0 {
		return nil
	}
	return u.bodies[len(u.bodies)-1]
}

// Body is a scripted stream that records whether it was closed.
type Body struct {
	reader *strings.Reader
	closed atomic.Bool
}

func (b *Body) Read(p []byte) (int, error) {
	if b.closed.Load() {
		return 0, io.EOF
	}
	return b.reader.Read(p)
}

func (b *Body) Close() error {
	b.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (b *Body) Closed() bool {
	return b.closed.Load()
}
