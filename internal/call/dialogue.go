package call

import "sync"

// Exchange is one completed user/assistant turn.
type Exchange struct {
	UserText      string
	AssistantText string
}

// Dialogue keeps the conversation history for one call and composes LLM
// prompts from a sliding window of recent turns.
type Dialogue struct {
	mu           sync.Mutex
	systemPrompt string
	maxTurns     int
	turns        []Exchange
}

// NewDialogue creates a history manager that keeps at most maxTurns recent
// exchanges in the prompt window. Older turns fall out of the prompt but the
// journal retains the full transcript.
func NewDialogue(systemPrompt string, maxTurns int) *Dialogue {
	if maxTurns < 1 {
		maxTurns = 1
	}
	return &Dialogue{systemPrompt: systemPrompt, maxTurns: maxTurns}
}

// Append records a completed exchange.
func (d *Dialogue) Append(userText, assistantText string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.turns = append(d.turns, Exchange{UserText: userText, AssistantText: assistantText})
	if len(d.turns) > d.maxTurns {
		d.turns = d.turns[len(d.turns)-d.maxTurns:]
	}
}

// Prompt builds the message list for the next LLM request: the system prompt,
// the windowed history, then the new user utterance.
func (d *Dialogue) Prompt(userText string) []PromptMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	msgs := make([]PromptMessage, 0, 2*len(d.turns)+2)
	if d.systemPrompt != "" {
		msgs = append(msgs, PromptMessage{Role: "system", Content: d.systemPrompt})
	}
	for _, t := range d.turns {
		msgs = append(msgs, PromptMessage{Role: "user", Content: t.UserText})
		msgs = append(msgs, PromptMessage{Role: "assistant", Content: t.AssistantText})
	}
	msgs = append(msgs, PromptMessage{Role: "user", Content: userText})
	return msgs
}

// Len returns the number of turns currently in the window.
func (d *Dialogue) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.turns)
}
