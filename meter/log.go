package meter

import (
	"log/slog"

	"github.com/simplifai/spiegami"
)

// LogMeter logs request events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ spiegami.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnRequest(e spiegami.RequestEvent) {
	m.Logger.Info("generate",
		"request_id", e.RequestID,
		"caller", e.CallerKey,
		"mode", e.Mode,
		"max_tokens", e.MaxTokens,
		"max_chars", e.MaxChars,
	)
}

func (m *LogMeter) OnResult(e spiegami.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"request_id", e.RequestID,
			"caller", e.CallerKey,
			"mode", e.Mode,
			"duration_ms", e.Duration.Milliseconds(),
			"chars", e.Chars,
			"truncated", e.Truncated,
			"needs_continuation", e.NeedsContinuation,
			"quota_remaining", e.QuotaRemaining,
			"metered", e.Metered,
		)
	} else {
		m.Logger.Warn("result_error",
			"request_id", e.RequestID,
			"caller", e.CallerKey,
			"mode", e.Mode,
			"duration_ms", e.Duration.Milliseconds(),
			"chars", e.Chars,
			"error", e.Error,
		)
	}
}
