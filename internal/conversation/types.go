// Package conversation persists per-follower dialogue history. Postgres
// is the durable record; Redis holds a bounded recent window used to
// build LLM prompts.
package conversation

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one utterance in a follower's dialogue.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
