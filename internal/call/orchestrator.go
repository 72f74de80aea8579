package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/stellarvoice/voicegw/internal/journal"
	"github.com/stellarvoice/voicegw/internal/metrics"
)

// minConfidence is the STT confidence a transcript must strictly exceed;
// at or below it the turn is dropped rather than answered.
const minConfidence = 0.5

// maxConsecutiveFailures is the number of back-to-back failed turns
// after which the call is abandoned.
const maxConsecutiveFailures = 3

var (
	ErrCapacity    = errors.New("max concurrent calls reached")
	ErrUnknownCall = errors.New("unknown call")
	ErrCallEnded   = errors.New("call already ended")
)

// Options configures the orchestrator.
type Options struct {
	MaxConcurrentCalls int
	ResponseTimeout    time.Duration
	FlushChunkCount    int
	ContextWindowTurns int
	Model              string
	SystemPrompt       string
}

// Orchestrator runs the STT, LLM, TTS pipeline for every active call and
// owns the per-call state machines.
type Orchestrator struct {
	opts   Options
	stt    STT
	llm    LLM
	tts    TTS
	sink   AudioSink
	jrnl   *journal.Journal
	mets   *metrics.Metrics
	logger *slog.Logger

	mu    sync.RWMutex
	calls map[string]*activeCall
}

type activeCall struct {
	cc             Context
	conversationID string
	dialogue       *Dialogue

	// ctx is cancelled when the call closes, tearing down any in-flight
	// turn or playback.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu                  sync.Mutex
	state               State
	substate            Substate
	audioBuf            [][]byte
	turnInFlight        bool
	closing             bool
	consecutiveFailures int
	totalTurns          int
	failedTurns         int
	droppedTurns        int
	interruptions       int
}

// New creates an orchestrator. The journal may be nil in tests; pipeline
// providers must not be.
func New(opts Options, stt STT, llm LLM, tts TTS, sink AudioSink, jrnl *journal.Journal, mets *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	if opts.MaxConcurrentCalls < 1 {
		opts.MaxConcurrentCalls = 10
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = 30 * time.Second
	}
	if opts.FlushChunkCount < 1 {
		opts.FlushChunkCount = 10
	}
	if opts.ContextWindowTurns < 1 {
		opts.ContextWindowTurns = 10
	}
	return &Orchestrator{
		opts:   opts,
		stt:    stt,
		llm:    llm,
		tts:    tts,
		sink:   sink,
		jrnl:   jrnl,
		mets:   mets,
		logger: logger.With("component", "orchestrator"),
		calls:  make(map[string]*activeCall),
	}
}

// OpenCall admits a call into the pipeline. It rejects when the concurrency
// limit is reached or the call id is already active.
func (o *Orchestrator) OpenCall(ctx context.Context, cc Context) error {
	o.mu.Lock()
	if len(o.calls) >= o.opts.MaxConcurrentCalls {
		o.mu.Unlock()
		o.mets.CallsRejected.WithLabelValues("max_concurrent_calls_reached").Inc()
		o.logger.Warn("call rejected at capacity",
			"call_id", cc.CallID, "active", o.opts.MaxConcurrentCalls)
		return ErrCapacity
	}
	if _, exists := o.calls[cc.CallID]; exists {
		o.mu.Unlock()
		return fmt.Errorf("call %s already active", cc.CallID)
	}
	if cc.StartTime.IsZero() {
		cc.StartTime = time.Now().UTC()
	}

	callCtx, cancel := context.WithCancel(context.Background())
	c := &activeCall{
		cc:       cc,
		dialogue: NewDialogue(o.opts.SystemPrompt, o.opts.ContextWindowTurns),
		ctx:      callCtx,
		cancel:   cancel,
		state:    StateInitializing,
		substate: SubstateIdle,
	}
	o.calls[cc.CallID] = c
	o.mu.Unlock()

	if o.jrnl != nil {
		err := o.jrnl.StartCall(ctx, &journal.Call{
			CallID:       cc.CallID,
			CallerNumber: cc.CallerNumber,
			CalledNumber: cc.CalledNumber,
			TrunkName:    cc.TrunkName,
			RoomName:     cc.RoomName,
			StartTime:    cc.StartTime,
			AnswerTime:   timePtr(cc.AnswerTime),
		})
		if err != nil {
			o.logger.Error("recording call start", "call_id", cc.CallID, "error", err)
		}
		convID, err := o.jrnl.StartConversation(ctx, cc.CallID, o.opts.Model, o.opts.SystemPrompt)
		if err != nil {
			o.logger.Error("recording conversation start", "call_id", cc.CallID, "error", err)
		} else {
			c.conversationID = convID
		}
	}

	c.mu.Lock()
	c.state = StateActive
	c.mu.Unlock()

	o.logger.Info("call opened",
		"call_id", cc.CallID, "caller", cc.CallerNumber, "room", cc.RoomName)
	return nil
}

// AudioIn feeds one caller audio chunk into the call's buffer. When the
// buffer reaches the flush threshold and no turn is running, a turn starts.
// A chunk arriving while the agent is speaking is a barge-in: playback stops
// and the pipeline returns to receiving.
func (o *Orchestrator) AudioIn(callID string, chunk []byte) error {
	c, err := o.lookup(callID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || terminal(c.state) {
		return ErrCallEnded
	}

	if c.substate == SubstateResponding {
		o.sink.StopPlayback(callID)
		c.interruptions++
		c.substate = SubstateReceiving
		o.mets.Interruptions.Inc()
		o.logger.Debug("caller interruption", "call_id", callID)
	}
	if c.substate == SubstateIdle || c.substate == SubstateError {
		c.substate = SubstateReceiving
	}

	c.audioBuf = append(c.audioBuf, chunk)
	if len(c.audioBuf) >= o.opts.FlushChunkCount && !c.turnInFlight {
		o.startTurnLocked(c)
	}
	return nil
}

// StartAudioProcessing marks the caller's microphone track as live. Audio
// chunks arriving before this call are still buffered; this transition only
// moves the pipeline out of idle.
func (o *Orchestrator) StartAudioProcessing(callID, trackSID, participant string) error {
	c, err := o.lookup(callID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || terminal(c.state) {
		return ErrCallEnded
	}
	if c.substate == SubstateIdle {
		c.substate = SubstateReceiving
	}
	o.logger.Info("audio processing started",
		"call_id", callID, "track_sid", trackSID, "participant", participant)
	return nil
}

// StopAudioProcessing marks the caller's audio track as gone. Buffered
// audio is kept; a later end-of-utterance can still flush it.
func (o *Orchestrator) StopAudioProcessing(callID string) error {
	c, err := o.lookup(callID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.substate == SubstateReceiving {
		c.substate = SubstateIdle
	}
	return nil
}

// EndOfUtterance flushes whatever audio is buffered, starting a turn even
// below the chunk threshold. A caller pausing mid-sentence produces short
// flushes this way.
func (o *Orchestrator) EndOfUtterance(callID string) error {
	c, err := o.lookup(callID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || terminal(c.state) {
		return ErrCallEnded
	}
	if len(c.audioBuf) > 0 && !c.turnInFlight {
		o.startTurnLocked(c)
	}
	return nil
}

// startTurnLocked takes the buffered audio and launches the turn pipeline.
// Caller holds c.mu.
func (o *Orchestrator) startTurnLocked(c *activeCall) {
	audio := flatten(c.audioBuf)
	c.audioBuf = nil
	c.turnInFlight = true
	c.state = StateProcessing
	c.substate = SubstateProcessing

	c.wg.Add(1)
	go o.runTurn(c, audio)
}

func (o *Orchestrator) runTurn(c *activeCall, audio []byte) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, o.opts.ResponseTimeout)
	defer cancel()
	start := time.Now()

	tr, err := o.stt.Transcribe(ctx, audio)
	if err != nil {
		o.turnFailed(c, "stt", err)
		return
	}
	if strings.TrimSpace(tr.Text) == "" || tr.Confidence <= minConfidence {
		o.turnDropped(c, tr)
		return
	}

	prompt := c.dialogue.Prompt(tr.Text)
	comp, err := o.llm.Complete(ctx, prompt)
	if err != nil {
		o.turnFailed(c, "llm", err)
		return
	}

	syn, err := o.tts.Synthesize(ctx, comp.Text)
	if err != nil {
		o.turnFailed(c, "tts", err)
		return
	}

	c.mu.Lock()
	if c.closing || terminal(c.state) {
		c.turnInFlight = false
		c.mu.Unlock()
		return
	}
	c.substate = SubstateResponding
	c.mu.Unlock()

	// Playback runs under the call context so barge-in and call teardown
	// both interrupt it.
	if err := o.sink.PublishFrames(c.ctx, c.cc.CallID, syn.Frames); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Warn("publishing response audio", "call_id", c.cc.CallID, "error", err)
	}

	processingMS := float64(time.Since(start).Milliseconds())
	o.recordTurn(c, tr, comp, syn, processingMS)
	c.dialogue.Append(tr.Text, comp.Text)

	c.mu.Lock()
	c.totalTurns++
	c.consecutiveFailures = 0
	c.turnInFlight = false
	if !c.closing && !terminal(c.state) {
		c.state = StateActive
		if c.substate == SubstateResponding {
			c.substate = SubstateIdle
		}
		if len(c.audioBuf) >= o.opts.FlushChunkCount {
			o.startTurnLocked(c)
		}
	}
	c.mu.Unlock()

	o.mets.Turns.WithLabelValues("success").Inc()
	o.logger.Info("turn completed",
		"call_id", c.cc.CallID, "processing_ms", processingMS,
		"tokens_in", comp.TokensIn, "tokens_out", comp.TokensOut)
}

// turnDropped handles empty or low-confidence transcripts. The audio is
// discarded and the failure counter is not touched.
func (o *Orchestrator) turnDropped(c *activeCall, tr Transcript) {
	c.mu.Lock()
	c.droppedTurns++
	c.turnInFlight = false
	if !c.closing && !terminal(c.state) {
		c.state = StateActive
		c.substate = SubstateIdle
	}
	c.mu.Unlock()

	o.mets.Turns.WithLabelValues("dropped").Inc()
	if strings.TrimSpace(tr.Text) != "" {
		o.mets.AudioLowConfidence.Inc()
		o.logger.Info("turn dropped on low confidence",
			"call_id", c.cc.CallID, "confidence", tr.Confidence)
	}
}

func (o *Orchestrator) turnFailed(c *activeCall, stage string, err error) {
	if errors.Is(err, context.Canceled) {
		c.mu.Lock()
		c.turnInFlight = false
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.failedTurns++
	c.consecutiveFailures++
	c.turnInFlight = false
	fatal := c.consecutiveFailures >= maxConsecutiveFailures
	if !fatal && !c.closing && !terminal(c.state) {
		c.state = StateActive
		c.substate = SubstateIdle
	} else if fatal {
		c.substate = SubstateError
	}
	c.mu.Unlock()

	o.mets.Turns.WithLabelValues("failed").Inc()
	o.mets.Errors.WithLabelValues(errorKind(err), "orchestrator").Inc()
	o.logger.Error("turn failed",
		"call_id", c.cc.CallID, "stage", stage, "error", err)

	if o.jrnl != nil {
		ev := &journal.SystemEvent{
			EventType:      "turn_failure",
			Severity:       journal.SeverityError,
			Message:        fmt.Sprintf("%s stage: %v", stage, err),
			Component:      "orchestrator",
			CallID:         c.cc.CallID,
			ConversationID: c.conversationID,
		}
		if logErr := o.jrnl.LogEvent(context.Background(), ev); logErr != nil {
			o.logger.Error("recording turn failure", "call_id", c.cc.CallID, "error", logErr)
		}
	}

	if fatal {
		o.logger.Error("abandoning call after repeated turn failures",
			"call_id", c.cc.CallID, "failures", maxConsecutiveFailures)
		go o.close(c, journal.CallStatusFailed, "consecutive_turn_failures")
	}
}

// recordTurn writes the user and assistant messages for one completed turn.
func (o *Orchestrator) recordTurn(c *activeCall, tr Transcript, comp Completion, syn Synthesis, processingMS float64) {
	if o.jrnl == nil || c.conversationID == "" {
		return
	}
	ctx := context.Background()

	userMsg := &journal.Message{
		ConversationID: c.conversationID,
		Role:           journal.RoleUser,
		Content:        tr.Text,
		STTMeta: &journal.STTMeta{
			LatencyMS:    tr.LatencyMS,
			Confidence:   tr.Confidence,
			AudioSeconds: tr.AudioSeconds,
			CostUSD:      tr.CostUSD,
		},
	}
	if err := o.jrnl.AddMessage(ctx, userMsg); err != nil {
		o.logger.Error("recording user message", "call_id", c.cc.CallID, "error", err)
	}

	asstMsg := &journal.Message{
		ConversationID: c.conversationID,
		Role:           journal.RoleAssistant,
		Content:        comp.Text,
		ProcessingMS:   &processingMS,
		LLMMeta: &journal.LLMMeta{
			LatencyMS: comp.LatencyMS,
			TokensIn:  comp.TokensIn,
			TokensOut: comp.TokensOut,
			CostUSD:   comp.CostUSD,
		},
		TTSMeta: &journal.TTSMeta{
			LatencyMS:    syn.LatencyMS,
			AudioSeconds: syn.AudioSeconds,
			CostUSD:      syn.CostUSD,
		},
	}
	if err := o.jrnl.AddMessage(ctx, asstMsg); err != nil {
		o.logger.Error("recording assistant message", "call_id", c.cc.CallID, "error", err)
	}
}

// CloseCall ends a call normally.
func (o *Orchestrator) CloseCall(callID, reason string) error {
	c, err := o.lookup(callID)
	if err != nil {
		return err
	}
	o.close(c, journal.CallStatusCompleted, reason)
	return nil
}

// close tears down a call exactly once: cancel the pipeline, wait for the
// in-flight turn, persist the outcome, free the slot.
func (o *Orchestrator) close(c *activeCall, status, reason string) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	if status == journal.CallStatusFailed {
		c.state = StateFailed
	} else {
		c.state = StateEnding
	}
	c.mu.Unlock()

	c.cancel()
	o.sink.StopPlayback(c.cc.CallID)
	c.wg.Wait()

	if o.jrnl != nil {
		ctx := context.Background()
		if c.conversationID != "" {
			if err := o.jrnl.EndConversation(ctx, c.conversationID, "", ""); err != nil {
				o.logger.Error("recording conversation end", "call_id", c.cc.CallID, "error", err)
			}
		}
		if err := o.jrnl.EndCall(ctx, c.cc.CallID, status, reason); err != nil {
			o.logger.Error("recording call end", "call_id", c.cc.CallID, "error", err)
		}
	}

	c.mu.Lock()
	if c.state != StateFailed {
		c.state = StateCompleted
	}
	total, failed := c.totalTurns, c.failedTurns
	c.mu.Unlock()

	o.mu.Lock()
	delete(o.calls, c.cc.CallID)
	o.mu.Unlock()

	o.logger.Info("call closed",
		"call_id", c.cc.CallID, "status", status, "reason", reason,
		"turns", total, "failed_turns", failed,
		"duration_sec", time.Since(c.cc.StartTime).Seconds())
}

// Shutdown closes every active call. Used during gateway shutdown.
func (o *Orchestrator) Shutdown() {
	o.mu.RLock()
	calls := make([]*activeCall, 0, len(o.calls))
	for _, c := range o.calls {
		calls = append(calls, c)
	}
	o.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range calls {
		wg.Add(1)
		go func(c *activeCall) {
			defer wg.Done()
			o.close(c, journal.CallStatusCompleted, "gateway_shutdown")
		}(c)
	}
	wg.Wait()
}

// ActiveCallCount reports how many calls currently hold a slot.
func (o *Orchestrator) ActiveCallCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.calls)
}

// CallStats returns a snapshot of one call's pipeline counters.
func (o *Orchestrator) CallStats(callID string) (Stats, error) {
	c, err := o.lookup(callID)
	if err != nil {
		return Stats{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		CallID:         c.cc.CallID,
		State:          c.state,
		Substate:       c.substate,
		TotalTurns:     c.totalTurns,
		FailedTurns:    c.failedTurns,
		DroppedTurns:   c.droppedTurns,
		Interruptions:  c.interruptions,
		BufferedChunks: len(c.audioBuf),
		StartTime:      c.cc.StartTime,
	}, nil
}

// ActiveCallIDs lists ids of calls currently in the pipeline.
func (o *Orchestrator) ActiveCallIDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.calls))
	for id := range o.calls {
		ids = append(ids, id)
	}
	return ids
}

func (o *Orchestrator) lookup(callID string) (*activeCall, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.calls[callID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	return c, nil
}

func flatten(chunks [][]byte) []byte {
	var n int
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "server_error"
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
