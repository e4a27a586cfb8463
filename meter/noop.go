package meter

import "github.com/simplifai/spiegami"

// NoopMeter discards all events.
type NoopMeter struct{}

var _ spiegami.Meter = (*NoopMeter)(nil)

func (*NoopMeter) OnRequest(spiegami.RequestEvent) {}
func (*NoopMeter) OnResult(spiegami.ResultEvent)  {}
