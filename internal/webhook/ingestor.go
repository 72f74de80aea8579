package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/stellarvoice/voicegw/internal/call"
	"github.com/stellarvoice/voicegw/internal/media"
	"github.com/stellarvoice/voicegw/internal/metrics"
)

const (
	defaultQueueSize     = 256
	staleSessionMaxAge   = 24 * time.Hour
	staleSweepInterval   = time.Hour
	trackRetryDelay      = time.Second
	closeReasonRoomEnded = "room_finished"
)

// ErrQueueFull is returned by Enqueue when the event queue is at capacity.
var ErrQueueFull = errors.New("webhook queue full")

// CallControl is the orchestrator surface the ingestor drives.
type CallControl interface {
	OpenCall(ctx context.Context, cc call.Context) error
	CloseCall(callID, reason string) error
	StartAudioProcessing(callID, trackSID, participant string) error
	StopAudioProcessing(callID string) error
}

// RoomDeleter removes media-server rooms during teardown.
type RoomDeleter interface {
	DeleteRoom(ctx context.Context, room string) error
}

// Ingestor consumes media-server events from a bounded queue with a single
// consumer goroutine, which is the only writer of RoomSession state.
type Ingestor struct {
	queue    chan *Event
	sessions *sessionStore
	calls    CallControl
	rooms    RoomDeleter
	mets     *metrics.Metrics
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu   sync.Mutex
	processed int64
	skipped   int64
}

// NewIngestor builds an ingestor. queueSize <= 0 selects the default.
func NewIngestor(queueSize int, calls CallControl, rooms RoomDeleter, mets *metrics.Metrics, logger *slog.Logger) *Ingestor {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Ingestor{
		queue:    make(chan *Event, queueSize),
		sessions: newSessionStore(),
		calls:    calls,
		rooms:    rooms,
		mets:     mets,
		logger:   logger.With("component", "webhook"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the consumer and the stale-session sweeper.
func (in *Ingestor) Start() {
	in.wg.Add(2)
	go in.consume()
	go in.sweep()
}

// Stop drains nothing further; in-flight handling finishes before return.
func (in *Ingestor) Stop() {
	in.cancel()
	in.wg.Wait()
}

// Enqueue places an accepted event on the queue without blocking.
func (in *Ingestor) Enqueue(ev *Event) error {
	select {
	case in.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueDepth reports how many events are waiting.
func (in *Ingestor) QueueDepth() int { return len(in.queue) }

// SessionCount reports how many room sessions are tracked.
func (in *Ingestor) SessionCount() int { return in.sessions.len() }

// Session returns a snapshot of one call's room session.
func (in *Ingestor) Session(callID string) (*RoomSession, bool) {
	return in.sessions.get(callID)
}

// Sessions returns snapshots of every tracked room session.
func (in *Ingestor) Sessions() []RoomSession { return in.sessions.all() }

// Processed reports how many events the consumer has handled.
func (in *Ingestor) Processed() int64 {
	in.statsMu.Lock()
	defer in.statsMu.Unlock()
	return in.processed
}

// ExpireSessions removes sessions idle longer than maxAge. Exposed for the
// operator cleanup endpoint; the sweeper calls it with the 24 h default.
func (in *Ingestor) ExpireSessions(maxAge time.Duration) int {
	removed := in.sessions.expire(maxAge)
	for _, id := range removed {
		in.logger.Warn("expired stale room session", "call_id", id)
	}
	return len(removed)
}

func (in *Ingestor) consume() {
	defer in.wg.Done()
	for {
		select {
		case <-in.ctx.Done():
			return
		case ev := <-in.queue:
			in.handle(ev)
			in.statsMu.Lock()
			in.processed++
			in.statsMu.Unlock()
		}
	}
}

func (in *Ingestor) sweep() {
	defer in.wg.Done()
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-in.ctx.Done():
			return
		case <-ticker.C:
			in.ExpireSessions(staleSessionMaxAge)
		}
	}
}

// handle dispatches one event. Handler errors are confined to the event;
// session state survives them.
func (in *Ingestor) handle(ev *Event) {
	callID, owned := ev.CallID()
	if !owned {
		in.statsMu.Lock()
		in.skipped++
		in.statsMu.Unlock()
		in.logger.Debug("skipping event for unowned room",
			"event", ev.Event, "room", ev.RoomName())
		return
	}

	log := in.logger.With("event", ev.Event, "event_id", ev.ID, "call_id", callID)

	switch ev.Event {
	case EventRoomStarted:
		in.handleRoomStarted(ev, callID, log)
	case EventParticipantJoined:
		in.handleParticipantJoined(ev, callID, log)
	case EventParticipantLeft:
		in.handleParticipantLeft(ev, callID, log)
	case EventTrackPublished:
		in.handleTrackPublished(ev, callID, log)
	case EventTrackUnpublished:
		in.handleTrackUnpublished(ev, callID, log)
	case EventRoomFinished:
		in.handleRoomFinished(ev, callID, log)
	case EventRecordingStarted, EventRecordingFinished:
		log.Info("recording state changed")
	}
}

func (in *Ingestor) handleRoomStarted(ev *Event, callID string, log *slog.Logger) {
	sess := &RoomSession{
		CallID:    callID,
		RoomName:  ev.RoomName(),
		StartedAt: ev.ReceivedAt,
	}
	if ev.Room != nil {
		sess.RoomSID = ev.Room.SID
		var meta roomMetadata
		if ev.Room.Metadata != "" {
			if err := json.Unmarshal([]byte(ev.Room.Metadata), &meta); err != nil {
				log.Warn("unparseable room metadata", "error", err)
			}
		}
		sess.CallerNumber = meta.CallerNumber
		sess.CalledNumber = meta.CalledNumber
		sess.TrunkName = meta.TrunkName
	}
	sess.LastEventAt = ev.ReceivedAt
	in.sessions.put(sess)

	cc := call.Context{
		CallID:       callID,
		CallerNumber: sess.CallerNumber,
		CalledNumber: sess.CalledNumber,
		TrunkName:    sess.TrunkName,
		RoomName:     sess.RoomName,
		StartTime:    ev.ReceivedAt,
		AnswerTime:   ev.ReceivedAt,
	}
	if err := in.calls.OpenCall(in.ctx, cc); err != nil {
		log.Error("opening call for started room", "error", err)
		in.sessions.delete(callID)
		if derr := in.rooms.DeleteRoom(in.ctx, sess.RoomName); derr != nil && media.KindOf(derr) != media.KindNotFound {
			log.Error("deleting room after open failure", "error", derr)
		}
		return
	}
	log.Info("room session created", "room", sess.RoomName)
}

func (in *Ingestor) handleParticipantJoined(ev *Event, callID string, log *slog.Logger) {
	if ev.Participant == nil {
		return
	}
	identity := ev.Participant.Identity
	ok := in.sessions.update(callID, func(s *RoomSession) {
		for _, p := range s.Participants {
			if p == identity {
				return
			}
		}
		s.Participants = append(s.Participants, identity)
	})
	if !ok {
		log.Warn("participant joined unknown session", "identity", identity)
		return
	}
	log.Info("participant joined", "identity", identity)
}

func (in *Ingestor) handleParticipantLeft(ev *Event, callID string, log *slog.Logger) {
	if ev.Participant == nil {
		return
	}
	identity := ev.Participant.Identity
	in.sessions.update(callID, func(s *RoomSession) {
		for i, p := range s.Participants {
			if p == identity {
				s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
				return
			}
		}
	})
	log.Info("participant left", "identity", identity)
}

func (in *Ingestor) handleTrackPublished(ev *Event, callID string, log *slog.Logger) {
	if ev.Track == nil || !isMicrophoneAudio(ev.Track) {
		return
	}
	var participant string
	if ev.Participant != nil {
		participant = ev.Participant.Identity
	}
	in.sessions.update(callID, func(s *RoomSession) {
		s.AudioTrackSID = ev.Track.SID
	})

	err := in.calls.StartAudioProcessing(callID, ev.Track.SID, participant)
	if err != nil {
		log.Warn("starting audio processing failed, retrying once", "error", err)
		select {
		case <-in.ctx.Done():
			return
		case <-time.After(trackRetryDelay):
		}
		if err = in.calls.StartAudioProcessing(callID, ev.Track.SID, participant); err != nil {
			log.Error("starting audio processing failed after retry", "error", err)
			in.mets.Errors.WithLabelValues("internal", "webhook").Inc()
			return
		}
	}
	log.Info("audio track live", "track_sid", ev.Track.SID, "participant", participant)
}

func (in *Ingestor) handleTrackUnpublished(ev *Event, callID string, log *slog.Logger) {
	if ev.Track == nil || !isMicrophoneAudio(ev.Track) {
		return
	}
	in.sessions.update(callID, func(s *RoomSession) {
		if s.AudioTrackSID == ev.Track.SID {
			s.AudioTrackSID = ""
		}
	})
	if err := in.calls.StopAudioProcessing(callID); err != nil && !errors.Is(err, call.ErrUnknownCall) {
		log.Warn("stopping audio processing", "error", err)
	}
}

func (in *Ingestor) handleRoomFinished(ev *Event, callID string, log *slog.Logger) {
	if _, ok := in.sessions.get(callID); !ok {
		// Finish for a room we never tracked. Synthesize the session so
		// teardown still runs, and flag the correlation gap.
		log.Warn("room finished without a tracked session, synthesizing")
		in.sessions.put(&RoomSession{
			CallID:      callID,
			RoomName:    ev.RoomName(),
			Synthesized: true,
			StartedAt:   ev.ReceivedAt,
			LastEventAt: ev.ReceivedAt,
		})
	}

	if err := in.calls.CloseCall(callID, closeReasonRoomEnded); err != nil {
		if errors.Is(err, call.ErrUnknownCall) {
			log.Debug("room finished for inactive call")
		} else {
			log.Error("closing call", "error", err)
		}
	}
	if err := in.rooms.DeleteRoom(in.ctx, ev.RoomName()); err != nil && media.KindOf(err) != media.KindNotFound {
		log.Error("deleting finished room", "error", err)
	}
	in.sessions.delete(callID)
	log.Info("room session closed")
}

func isMicrophoneAudio(t *Track) bool {
	return strings.EqualFold(t.Type, "audio") && strings.EqualFold(t.Source, "microphone")
}
