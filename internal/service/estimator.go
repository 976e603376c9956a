package service

import (
	"encoding/json"

	"github.com/Strob0t/agentloop/internal/domain/message"
)

const (
	charsPerToken = 4
	// messageOverheadChars approximates role markers and framing per message.
	messageOverheadChars = 20
)

// EstimateTokens approximates the prompt size of msgs. It never decreases
// when messages are appended.
func EstimateTokens(msgs []message.Message) int {
	chars := 0
	for i := range msgs {
		chars += messageChars(&msgs[i])
	}
	return ceilDiv(chars, charsPerToken)
}

// EstimateText approximates the token count of a plain string.
func EstimateText(s string) int {
	return ceilDiv(len(s), charsPerToken)
}

func messageChars(m *message.Message) int {
	n := messageOverheadChars + len(m.Content) + len(m.Name) + len(m.ToolCallID)
	for _, tc := range m.ToolCalls {
		n += len(tc.ID) + len(tc.Name)
		if args, err := json.Marshal(tc.Arguments); err == nil {
			n += len(args)
		}
	}
	return n
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
