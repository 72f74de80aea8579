package call

import (
	"fmt"
	"testing"
)

func TestDialoguePrompt(t *testing.T) {
	d := NewDialogue("you are a phone agent", 10)
	d.Append("what are your hours", "we are open 9 to 5")

	msgs := d.Prompt("are you open saturday")
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	want := []PromptMessage{
		{Role: "system", Content: "you are a phone agent"},
		{Role: "user", Content: "what are your hours"},
		{Role: "assistant", Content: "we are open 9 to 5"},
		{Role: "user", Content: "are you open saturday"},
	}
	for i, m := range msgs {
		if m != want[i] {
			t.Errorf("msgs[%d] = %+v, want %+v", i, m, want[i])
		}
	}
}

func TestDialogueNoSystemPrompt(t *testing.T) {
	d := NewDialogue("", 10)
	msgs := d.Prompt("hello")
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Errorf("msgs = %+v, want a single user message", msgs)
	}
}

func TestDialogueWindowSlides(t *testing.T) {
	d := NewDialogue("sys", 3)
	for i := 0; i < 5; i++ {
		d.Append(fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}

	if d.Len() != 3 {
		t.Fatalf("Len = %d, want 3", d.Len())
	}

	msgs := d.Prompt("next")
	// system + 3 retained exchanges + new user utterance
	if len(msgs) != 8 {
		t.Fatalf("got %d messages, want 8", len(msgs))
	}
	if msgs[1].Content != "q2" {
		t.Errorf("oldest retained turn = %q, want q2", msgs[1].Content)
	}
	if msgs[6].Content != "a4" {
		t.Errorf("newest retained answer = %q, want a4", msgs[6].Content)
	}
}

func TestDialogueMinimumWindow(t *testing.T) {
	d := NewDialogue("sys", 0)
	d.Append("q1", "a1")
	d.Append("q2", "a2")
	if d.Len() != 1 {
		t.Errorf("Len = %d, want window clamped to 1", d.Len())
	}
}
