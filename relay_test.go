package spiegami_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplifai/spiegami"
	"github.com/simplifai/spiegami/upstream/mock"
)

// recordingBody wraps a reader and records Close calls.
type recordingBody struct {
	io.Reader
	closed bool
}

func (b *recordingBody) Close() error {
	b.closed = true
	return nil
}

// chunkedReader returns at most n bytes per Read, so frames span reads.
type chunkedReader struct {
	r io.Reader
	n int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(p) > c.n {
		p = p[:c.n]
	}
	return c.r.Read(p)
}

// endlessStream produces frames with ever-growing cumulative text and
// never returns EOF.
type endlessStream struct {
	text    strings.Builder
	pending []byte
}

func (e *endlessStream) Read(p []byte) (int, error) {
	if len(e.pending) == 0 {
		e.text.WriteString("sempre più testo senza fine ")
		e.pending = []byte(mock.Frame(e.text.String()))
	}
	n := copy(p, e.pending)
	e.pending = e.pending[n:]
	return n, nil
}

func runRelay(t *testing.T, maxChars int, body io.Reader) (spiegami.RelayResult, []string, *recordingBody, *bool) {
	t.Helper()
	var chunks []string
	emit := func(text string) error {
		chunks = append(chunks, text)
		return nil
	}
	rb := &recordingBody{Reader: body}
	canceled := false
	relay := spiegami.NewRelay(maxChars, spiegami.DefaultContinuationPolicy(), emit)
	res, err := relay.Run(context.Background(), rb, func() { canceled = true })
	require.NoError(t, err)
	return res, chunks, rb, &canceled
}

// Test 1: prefix-extending cumulative texts concatenate exactly.
func TestRelay_PrefixDeltasConcatenate(t *testing.T) {
	frames := mock.Frame("Ciao") + mock.Frame("Ciao mondo") + mock.Frame("Ciao mondo!") + mock.DoneFrame()

	res, chunks, _, _ := runRelay(t, 4000, strings.NewReader(frames))

	assert.Equal(t, []string{"Ciao", " mondo", "!"}, chunks)
	assert.Equal(t, "Ciao mondo!", res.Text)
	assert.False(t, res.Truncated)
	assert.False(t, res.NeedsContinuation)
}

// Test 2: a frame boundary may span multiple reads.
func TestRelay_FrameSpanningReads(t *testing.T) {
	frames := mock.Frame("Ciao") + mock.Frame("Ciao mondo.") + mock.DoneFrame()

	res, chunks, _, _ := runRelay(t, 4000, &chunkedReader{r: strings.NewReader(frames), n: 3})

	assert.Equal(t, "Ciao mondo.", strings.Join(chunks, ""))
	assert.Equal(t, "Ciao mondo.", res.Text)
}

// Test 3: a regressed cumulative text emits nothing and does not crash.
func TestRelay_RegressionEmitsEmptyDelta(t *testing.T) {
	frames := mock.Frame("Una spiegazione lunga.") +
		mock.Frame("Testo") + // non-prefix regression
		mock.Frame("Testo nuovo.") +
		mock.DoneFrame()

	res, chunks, _, _ := runRelay(t, 4000, strings.NewReader(frames))

	assert.Equal(t, []string{"Una spiegazione lunga.", " nuovo."}, chunks)
	assert.Equal(t, "Una spiegazione lunga. nuovo.", res.Text)
}

// Test 4: the budget clamps a delta mid-frame, cancels upstream, and the
// marker is skipped when it does not fit.
func TestRelay_BudgetTruncatesMidDelta(t *testing.T) {
	frames := mock.Frame("abcdefgh") + mock.Frame("abcdefghijklmnop") + mock.DoneFrame()

	res, chunks, body, canceled := runRelay(t, 10, strings.NewReader(frames))

	assert.Equal(t, []string{"abcdefgh", "ij"}, chunks)
	assert.Equal(t, 10, res.Chars)
	assert.True(t, res.Truncated)
	assert.True(t, res.NeedsContinuation)
	assert.NotContains(t, res.Text, spiegami.ContinuationMarker)
	assert.True(t, *canceled)
	assert.True(t, body.closed)
}

// Test 5: a stream that never stops on its own is cut at the budget.
func TestRelay_EndlessStreamTruncatesAtBudget(t *testing.T) {
	res, chunks, body, canceled := runRelay(t, 500, &endlessStream{})

	assert.LessOrEqual(t, res.Chars, 500)
	assert.LessOrEqual(t, utf8.RuneCountInString(strings.Join(chunks, "")), 500)
	assert.True(t, res.Truncated)
	assert.True(t, res.NeedsContinuation)
	assert.True(t, *canceled)
	assert.True(t, body.closed)
}

// Test 6: malformed payloads are skipped, not fatal.
func TestRelay_MalformedPayloadSkipped(t *testing.T) {
	frames := mock.Frame("Buongiorno") +
		"data: {questo non è json\n\n" +
		mock.Frame("Buongiorno a tutti.") +
		mock.DoneFrame()

	res, _, _, _ := runRelay(t, 4000, strings.NewReader(frames))

	assert.Equal(t, "Buongiorno a tutti.", res.Text)
}

// Test 7: the end-of-stream sentinel carries no content.
func TestRelay_DoneSentinelIgnored(t *testing.T) {
	frames := mock.Frame("Fine della storia.") + mock.DoneFrame()

	res, chunks, _, _ := runRelay(t, 4000, strings.NewReader(frames))

	assert.Equal(t, []string{"Fine della storia."}, chunks)
	assert.False(t, res.NeedsContinuation)
}

// Test 8: a short answer cut mid-sentence gets the marker appended.
func TestRelay_MarkerAppendedWhenItFits(t *testing.T) {
	frames := mock.Frame("La gravità è una forza che") + mock.DoneFrame()

	res, chunks, _, _ := runRelay(t, 4000, strings.NewReader(frames))

	assert.True(t, res.NeedsContinuation)
	assert.True(t, strings.HasSuffix(res.Text, "\n"+spiegami.ContinuationMarker))
	require.NotEmpty(t, chunks)
	assert.Equal(t, "\n"+spiegami.ContinuationMarker, chunks[len(chunks)-1])
}

// Test 9: a marker already emitted by the model is not doubled.
func TestRelay_ExistingMarkerNotDoubled(t *testing.T) {
	text := "Qui finisce lo spazio " + spiegami.ContinuationMarker
	frames := mock.Frame(text) + mock.DoneFrame()

	res, _, _, _ := runRelay(t, 4000, strings.NewReader(frames))

	assert.True(t, res.NeedsContinuation)
	assert.Equal(t, 1, strings.Count(res.Text, spiegami.ContinuationMarker))
}

// Test 10: CRLF frame delimiters are accepted.
func TestRelay_CRLFDelimiters(t *testing.T) {
	frame := strings.ReplaceAll(mock.Frame("Ciao mondo."), "\n\n", "\r\n\r\n")

	res, _, _, _ := runRelay(t, 4000, strings.NewReader(frame))

	assert.Equal(t, "Ciao mondo.", res.Text)
}

// Test 11: a read error fails the relay.
func TestRelay_ReadErrorFails(t *testing.T) {
	readErr := errors.New("connection reset")
	body := &recordingBody{Reader: io.MultiReader(
		strings.NewReader(mock.Frame("Inizio")),
		&failingReader{err: readErr},
	)}

	var chunks []string
	relay := spiegami.NewRelay(4000, spiegami.DefaultContinuationPolicy(), func(text string) error {
		chunks = append(chunks, text)
		return nil
	})
	_, err := relay.Run(context.Background(), body, func() {})

	require.ErrorIs(t, err, readErr)
	assert.Equal(t, spiegami.StateFailed, relay.State())
	assert.Equal(t, []string{"Inizio"}, chunks)
	assert.True(t, body.closed)
}

type failingReader struct {
	err error
}

func (f *failingReader) Read([]byte) (int, error) {
	return 0, f.err
}
