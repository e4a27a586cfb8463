package spiegami

import (
	"fmt"
	"strings"
)

// DefaultTemperature is the fixed sampling temperature for upstream calls.
const DefaultTemperature = 0.7

// BuildPrompt renders the generation prompt for a normalized request.
// Prior text is capped at MaxPriorChars code points before it reaches the
// prompt, regardless of what the caller sent.
func BuildPrompt(req GenerationRequest) string {
	var b strings.Builder
	b.WriteString("Sei un divulgatore esperto. Scrivi in italiano chiaro, corretto e scorrevole.\n\n")

	switch req.Mode {
	case ModeContinue:
		prior := capRunes(req.PriorText, MaxPriorChars)
		fmt.Fprintf(&b, "Stai continuando una spiegazione del concetto %q rivolta a: %s.\n", req.Concept, req.TargetDescription)
		fmt.Fprintf(&b, "Questo è il testo già scritto:\n---\n%s\n---\n", prior)
		b.WriteString("Riprendi esattamente da dove il testo si interrompe, senza ripetere nulla e senza frasi introduttive.\n")
	default:
		fmt.Fprintf(&b, "Spiega il concetto %q a questa persona: %s.\n", req.Concept, req.TargetDescription)
		b.WriteString("Parti dalle basi, usa esempi concreti e un tono amichevole.\n")
	}

	fmt.Fprintf(&b, "\nHai a disposizione al massimo circa %d caratteri.\n", req.MaxChars)
	fmt.Fprintf(&b, "Se lo spazio sta per finire, chiudi la frase in corso e termina con %q.\n", ContinuationMarker)
	return b.String()
}
