// Package relay turns a chat request into a RunPod job and streams the job's
// output back while polling for it.
package relay

import "strings"

// ChatMessage is one turn of the caller's conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildPrompt renders messages as "role: content" lines in order.
func BuildPrompt(messages []ChatMessage) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
