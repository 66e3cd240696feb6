// Package prompt serializes a system prompt, prior turns and a new user
// message into the [INST] chat convention used by Mistral/Llama-2 instruct models.
package prompt

import "strings"

// Template markers of the instruct chat convention.
const (
	BOS       = "<s>"
	EOS       = "</s>"
	InstOpen  = "[INST]"
	InstClose = "[/INST]"
	SysOpen   = "<<SYS>>"
	SysClose  = "<</SYS>>"
)

// Turn is one finalized exchange between the user and the assistant.
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Build returns the prompt for message given the prior history, oldest first.
//
// The user text of the first turn is kept verbatim while every later user
// text, including message when history is non-empty, is whitespace-trimmed.
// Assistant replies are always trimmed.
func Build(message string, history []Turn, systemPrompt string) string {
	var sb strings.Builder

	sb.WriteString(BOS + InstOpen + " " + SysOpen + "\n")
	sb.WriteString(systemPrompt)
	sb.WriteString("\n" + SysClose + "\n\n")

	strip := false
	for _, turn := range history {
		user := turn.User
		if strip {
			user = strings.TrimSpace(user)
		}
		strip = true

		sb.WriteString(user)
		sb.WriteString(" " + InstClose + " ")
		sb.WriteString(strings.TrimSpace(turn.Assistant))
		sb.WriteString(" " + EOS + BOS + InstOpen + " ")
	}

	if strip {
		message = strings.TrimSpace(message)
	}
	sb.WriteString(message)
	sb.WriteString(" " + InstClose)

	return sb.String()
}
