package call

import "context"

// Transcript is the result of one speech-to-text request.
type Transcript struct {
	Text         string
	Confidence   float64
	LatencyMS    float64
	AudioSeconds float64
	CostUSD      float64
}

// STT transcribes buffered caller audio. Implementations live outside this
// package; they are handed in at construction.
type STT interface {
	Transcribe(ctx context.Context, audio []byte) (Transcript, error)
}

// PromptMessage is one message of an LLM prompt.
type PromptMessage struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Completion is the result of one language-model request.
type Completion struct {
	Text      string
	TokensIn  int
	TokensOut int
	LatencyMS float64
	CostUSD   float64
}

// LLM generates the assistant's reply from the composed prompt.
type LLM interface {
	Complete(ctx context.Context, prompt []PromptMessage) (Completion, error)
}

// Synthesis is the result of one text-to-speech request.
type Synthesis struct {
	Frames       [][]byte
	LatencyMS    float64
	AudioSeconds float64
	CostUSD      float64
}

// TTS renders assistant text to audio frames.
type TTS interface {
	Synthesize(ctx context.Context, text string) (Synthesis, error)
}

// AudioSink delivers synthesized frames to the media server through the
// agent's published track. StopPlayback terminates an in-progress delivery
// early (caller barge-in).
type AudioSink interface {
	PublishFrames(ctx context.Context, callID string, frames [][]byte) error
	StopPlayback(callID string)
}
