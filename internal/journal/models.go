package journal

import "time"

// Call statuses recorded in the journal.
const (
	CallStatusActive    = "active"
	CallStatusCompleted = "completed"
	CallStatusFailed    = "failed"
)

// Call is the durable record of one telephone session. Any call that
// reached ANSWERED has a row; calls rejected before acceptance may be
// omitted.
type Call struct {
	ID           int64
	CallID       string
	CallerNumber string
	CalledNumber string
	TrunkName    string
	RoomName     string
	Status       string
	StartTime    time.Time
	AnswerTime   *time.Time
	EndTime      *time.Time
	DurationSec  *float64
	EndReason    string
	CreatedAt    time.Time
}

// Conversation is the AI-dialogue portion of a call. A call has zero or one
// conversations.
type Conversation struct {
	ID           int64
	Conversation string // opaque conversation id
	CallID       string
	Model        string
	SystemPrompt string
	Summary      string
	Topic        string
	StartedAt    time.Time
	EndedAt      *time.Time
	CreatedAt    time.Time
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one utterance inside a conversation. Sequence numbers are
// strictly monotonic and gap-free per conversation, assigned inside the
// insert transaction.
type Message struct {
	ID             int64
	ConversationID string
	SequenceNumber int
	Role           string
	Content        string
	ProcessingMS   *float64
	STTMeta        *STTMeta
	LLMMeta        *LLMMeta
	TTSMeta        *TTSMeta
	CreatedAt      time.Time
}

// STTMeta carries speech-to-text artefacts for a user message.
type STTMeta struct {
	LatencyMS    float64 `json:"latency_ms"`
	Confidence   float64 `json:"confidence"`
	AudioSeconds float64 `json:"audio_seconds,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// LLMMeta carries language-model artefacts for an assistant message.
type LLMMeta struct {
	LatencyMS float64 `json:"latency_ms"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
}

// TTSMeta carries text-to-speech artefacts for an assistant message.
type TTSMeta struct {
	LatencyMS    float64 `json:"latency_ms"`
	AudioSeconds float64 `json:"audio_seconds,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// ConversationMetrics is the aggregate recomputed when a conversation ends.
type ConversationMetrics struct {
	ConversationID    string
	TotalMessages     int
	UserMessages      int
	AssistantMessages int

	AvgProcessingMS *float64
	MinProcessingMS *float64
	MaxProcessingMS *float64
	SumProcessingMS float64

	TotalTokensIn  int
	TotalTokensOut int
	TotalLLMCost   float64
	TotalSTTCost   float64
	TotalTTSCost   float64

	MeanSTTConfidence *float64
	TotalAudioSeconds float64

	// SLAViolations counts messages whose end-to-end processing time
	// exceeded 1500 ms.
	SLAViolations int
	ErrorCount    int
	RetryCount    int

	ComputedAt time.Time
}

// Event severities.
const (
	SeverityDebug    = "debug"
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// SystemEvent is an operational event tied (optionally) to a call or
// conversation.
type SystemEvent struct {
	ID             int64
	EventType      string
	Severity       string
	Message        string
	Component      string
	CallID         string
	ConversationID string
	Metadata       string // JSON
	StackTrace     string
	CreatedAt      time.Time
}

// slaThresholdMS is the end-to-end processing time above which a message
// counts as an SLA violation.
const slaThresholdMS = 1500
