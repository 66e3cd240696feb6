package chat

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/knoguchi/instchat/internal/prompt"
	"github.com/knoguchi/instchat/internal/relay"
)

// DefaultSystemPrompt is used when no system prompt is configured.
const DefaultSystemPrompt = "You are Mistral. You are AI-assistant, you are polite, give only truthful information and are based on the Mistral-7B model from Mistral AI. You can communicate in different languages equally well."

const (
	MaxMaxNewTokens     = relay.DefaultMaxNewTokens
	DefaultMaxNewTokens = 256
	MaxInputTokenLength = 4000
	DefaultQueueSize    = 32
)

// ErrInputTooLong is returned when the accumulated input exceeds MaxInputTokenLength.
var ErrInputTooLong = errors.New("the accumulated input is too long")

// Bound describes the accepted range of a sampling parameter.
type Bound struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Step    float64 `json:"step"`
	Default float64 `json:"default"`
}

// Limits is what a client needs to render the generation controls.
type Limits struct {
	MaxNewTokens   Bound  `json:"max_new_tokens"`
	Temperature    Bound  `json:"temperature"`
	TopP           Bound  `json:"top_p"`
	TopK           Bound  `json:"top_k"`
	MaxInputLength int    `json:"max_input_length"`
	SystemPrompt   string `json:"system_prompt"`
}

// DefaultSampling returns the default generation parameters.
func DefaultSampling() relay.Sampling {
	return relay.Sampling{
		MaxNewTokens: DefaultMaxNewTokens,
		Temperature:  0.1,
		TopP:         0.9,
		TopK:         10,
	}
}

// NewLimits returns the control bounds for a relay ceiling and system prompt.
func NewLimits(ceiling int, systemPrompt string) Limits {
	d := DefaultSampling()
	return Limits{
		MaxNewTokens:   Bound{Min: 1, Max: float64(ceiling), Step: 1, Default: float64(min(d.MaxNewTokens, ceiling))},
		Temperature:    Bound{Min: 0.1, Max: 4.0, Step: 0.1, Default: d.Temperature},
		TopP:           Bound{Min: 0.05, Max: 1.0, Step: 0.05, Default: d.TopP},
		TopK:           Bound{Min: 1, Max: 1000, Step: 1, Default: float64(d.TopK)},
		MaxInputLength: MaxInputTokenLength,
		SystemPrompt:   systemPrompt,
	}
}

// CheckInputLength approximates the prompt size as the character count of
// message plus the number of turns in historyWithInput, which must already
// contain the turn being submitted. This is not a token count.
func CheckInputLength(message string, historyWithInput []prompt.Turn) error {
	n := utf8.RuneCountInString(message) + len(historyWithInput)
	if n > MaxInputTokenLength {
		return fmt.Errorf("%w (%d > %d), clear your chat history and try again", ErrInputTooLong, n, MaxInputTokenLength)
	}
	return nil
}
