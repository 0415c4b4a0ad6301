package textgen

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/user/paywire/internal/types"
)

// DefaultPrompt is the system prompt template. It uses text/template syntax
// with promptData fields: .Speaker, .Service.
const DefaultPrompt = `You are {{.Speaker}}, a smart home device talking to another device in a shared conversation log.
{{- if .Service}}
The conversation is about buying {{.Service}}.
{{- end}}

Reply with a single short, friendly sentence in your own voice. Do not use markdown.
Always keep prices, currencies, addresses and transaction hashes exactly as given.`

type promptData struct {
	Speaker string
	Service string
}

var systemTemplate = template.Must(template.New("system").Parse(DefaultPrompt))

func renderSystem(p types.Phrase) (string, error) {
	speaker := p.Speaker
	if speaker == "" {
		speaker = "an agent"
	}
	var buf bytes.Buffer
	if err := systemTemplate.Execute(&buf, promptData{Speaker: speaker, Service: p.Service}); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// instruction tells the model what to say. The canned wording is passed as
// the facts so the model only rephrases.
func instruction(p types.Phrase) string {
	var goal string
	switch p.Purpose {
	case types.PurposeRequest:
		goal = "Ask the seller for the service."
	case types.PurposePaymentRequest:
		goal = "Tell the buyer payment is required before you dispense."
	case types.PurposePaying:
		goal = "Agree to the price and say you are paying now."
	case types.PurposeSubmitted:
		goal = "Say the payment was sent and give the proof reference."
	case types.PurposePending:
		goal = "Say the payment is not confirmed yet and you will check again."
	case types.PurposeVerified:
		goal = "Confirm the payment was verified."
	case types.PurposeDelivered:
		goal = "Hand over the service cheerfully."
	case types.PurposeDeclined:
		goal = "Politely decline because the price is over budget."
	case types.PurposeFailed:
		goal = "Explain briefly that the purchase failed."
	default:
		goal = "Say the following."
	}
	return fmt.Sprintf("%s\nFacts: %s", goal, Fallback(p))
}
