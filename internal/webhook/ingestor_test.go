package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stellarvoice/voicegw/internal/call"
	"github.com/stellarvoice/voicegw/internal/metrics"
)

// fakeCalls records orchestrator interactions and can be scripted to fail.
type fakeCalls struct {
	mu           sync.Mutex
	opened       []call.Context
	closed       map[string]string // call id -> reason
	audioStarts  []string          // "callID/trackSID"
	audioStops   []string
	openErr      error
	startErrOnce error
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{closed: make(map[string]string)}
}

func (f *fakeCalls) OpenCall(_ context.Context, cc call.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = append(f.opened, cc)
	return nil
}

func (f *fakeCalls) CloseCall(callID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[callID] = reason
	return nil
}

func (f *fakeCalls) StartAudioProcessing(callID, trackSID, participant string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErrOnce != nil {
		err := f.startErrOnce
		f.startErrOnce = nil
		return err
	}
	f.audioStarts = append(f.audioStarts, callID+"/"+trackSID)
	return nil
}

func (f *fakeCalls) StopAudioProcessing(callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioStops = append(f.audioStops, callID)
	return nil
}

type fakeRooms struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeRooms) DeleteRoom(_ context.Context, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, room)
	return nil
}

func (f *fakeRooms) deletions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func newTestIngestor(t *testing.T, calls *fakeCalls, rooms *fakeRooms) *Ingestor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	in := NewIngestor(16, calls, rooms, metrics.New(), logger)
	in.Start()
	t.Cleanup(in.Stop)
	return in
}

func waitProcessed(t *testing.T, in *Ingestor, n int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if in.Processed() >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("ingestor processed %d events, want %d", in.Processed(), n)
}

func roomStartedEvent(callID string) *Event {
	meta, _ := json.Marshal(roomMetadata{
		CallID:       callID,
		CallerNumber: "+15551230001",
		CalledNumber: "+18005550199",
		TrunkName:    "provider-a",
		Source:       "sip",
	})
	return &Event{
		Event:      EventRoomStarted,
		ID:         "ev-" + callID,
		Room:       &EventRoom{SID: "RM_" + callID, Name: RoomNameFor(callID), Metadata: string(meta)},
		ReceivedAt: time.Now().UTC(),
	}
}

func TestRoomStartedOpensCall(t *testing.T) {
	calls := newFakeCalls()
	in := newTestIngestor(t, calls, &fakeRooms{})

	if err := in.Enqueue(roomStartedEvent("abc")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitProcessed(t, in, 1)

	calls.mu.Lock()
	defer calls.mu.Unlock()
	if len(calls.opened) != 1 {
		t.Fatalf("opened %d calls, want 1", len(calls.opened))
	}
	cc := calls.opened[0]
	if cc.CallID != "abc" || cc.CallerNumber != "+15551230001" || cc.TrunkName != "provider-a" {
		t.Errorf("opened context = %+v", cc)
	}
	if cc.RoomName != "voice-ai-call-abc" {
		t.Errorf("RoomName = %q", cc.RoomName)
	}

	sess, ok := in.Session("abc")
	if !ok {
		t.Fatal("session not tracked")
	}
	if sess.RoomSID != "RM_abc" || sess.CalledNumber != "+18005550199" {
		t.Errorf("session = %+v", sess)
	}
}

func TestRoomStartedOpenFailureTearsDownRoom(t *testing.T) {
	calls := newFakeCalls()
	calls.openErr = call.ErrCapacity
	rooms := &fakeRooms{}
	in := newTestIngestor(t, calls, rooms)

	in.Enqueue(roomStartedEvent("full"))
	waitProcessed(t, in, 1)

	if _, ok := in.Session("full"); ok {
		t.Error("session should be removed when admission fails")
	}
	if got := rooms.deletions(); len(got) != 1 || got[0] != "voice-ai-call-full" {
		t.Errorf("deleted rooms = %v", got)
	}
}

func TestUnownedRoomSkipped(t *testing.T) {
	calls := newFakeCalls()
	in := newTestIngestor(t, calls, &fakeRooms{})

	in.Enqueue(&Event{
		Event: EventRoomStarted,
		Room:  &EventRoom{Name: "someone-elses-room"},
	})
	waitProcessed(t, in, 1)

	calls.mu.Lock()
	defer calls.mu.Unlock()
	if len(calls.opened) != 0 {
		t.Error("unowned room must not open a call")
	}
	if in.SessionCount() != 0 {
		t.Error("unowned room must not create a session")
	}
}

func TestParticipantTracking(t *testing.T) {
	calls := newFakeCalls()
	in := newTestIngestor(t, calls, &fakeRooms{})

	in.Enqueue(roomStartedEvent("abc"))
	in.Enqueue(&Event{
		Event:       EventParticipantJoined,
		Room:        &EventRoom{Name: RoomNameFor("abc")},
		Participant: &Participant{SID: "PA_1", Identity: "caller"},
	})
	in.Enqueue(&Event{
		Event:       EventParticipantJoined,
		Room:        &EventRoom{Name: RoomNameFor("abc")},
		Participant: &Participant{SID: "PA_2", Identity: "voice-agent"},
	})
	waitProcessed(t, in, 3)

	sess, _ := in.Session("abc")
	if len(sess.Participants) != 2 {
		t.Fatalf("participants = %v", sess.Participants)
	}

	in.Enqueue(&Event{
		Event:       EventParticipantLeft,
		Room:        &EventRoom{Name: RoomNameFor("abc")},
		Participant: &Participant{SID: "PA_1", Identity: "caller"},
	})
	waitProcessed(t, in, 4)

	sess, _ = in.Session("abc")
	if len(sess.Participants) != 1 || sess.Participants[0] != "voice-agent" {
		t.Errorf("participants after leave = %v", sess.Participants)
	}
}

func TestTrackPublishedStartsAudio(t *testing.T) {
	calls := newFakeCalls()
	in := newTestIngestor(t, calls, &fakeRooms{})

	in.Enqueue(roomStartedEvent("abc"))
	in.Enqueue(&Event{
		Event:       EventTrackPublished,
		Room:        &EventRoom{Name: RoomNameFor("abc")},
		Participant: &Participant{Identity: "caller"},
		Track:       &Track{SID: "TR_mic", Type: "AUDIO", Source: "MICROPHONE"},
	})
	// Video tracks are ignored.
	in.Enqueue(&Event{
		Event: EventTrackPublished,
		Room:  &EventRoom{Name: RoomNameFor("abc")},
		Track: &Track{SID: "TR_cam", Type: "VIDEO", Source: "CAMERA"},
	})
	waitProcessed(t, in, 3)

	calls.mu.Lock()
	starts := append([]string(nil), calls.audioStarts...)
	calls.mu.Unlock()
	if len(starts) != 1 || starts[0] != "abc/TR_mic" {
		t.Errorf("audio starts = %v", starts)
	}

	sess, _ := in.Session("abc")
	if sess.AudioTrackSID != "TR_mic" {
		t.Errorf("AudioTrackSID = %q", sess.AudioTrackSID)
	}
}

func TestTrackPublishedRetriesOnce(t *testing.T) {
	calls := newFakeCalls()
	calls.startErrOnce = errors.New("not ready")
	in := newTestIngestor(t, calls, &fakeRooms{})

	in.Enqueue(roomStartedEvent("abc"))
	in.Enqueue(&Event{
		Event: EventTrackPublished,
		Room:  &EventRoom{Name: RoomNameFor("abc")},
		Track: &Track{SID: "TR_mic", Type: "audio", Source: "microphone"},
	})
	// The retry waits a second before the second attempt.
	waitProcessed(t, in, 2)

	calls.mu.Lock()
	defer calls.mu.Unlock()
	if len(calls.audioStarts) != 1 {
		t.Errorf("audio starts = %v, want the retried attempt to land", calls.audioStarts)
	}
}

func TestTrackUnpublishedStopsAudio(t *testing.T) {
	calls := newFakeCalls()
	in := newTestIngestor(t, calls, &fakeRooms{})

	in.Enqueue(roomStartedEvent("abc"))
	in.Enqueue(&Event{
		Event: EventTrackPublished,
		Room:  &EventRoom{Name: RoomNameFor("abc")},
		Track: &Track{SID: "TR_mic", Type: "audio", Source: "microphone"},
	})
	in.Enqueue(&Event{
		Event: EventTrackUnpublished,
		Room:  &EventRoom{Name: RoomNameFor("abc")},
		Track: &Track{SID: "TR_mic", Type: "audio", Source: "microphone"},
	})
	waitProcessed(t, in, 3)

	calls.mu.Lock()
	stops := append([]string(nil), calls.audioStops...)
	calls.mu.Unlock()
	if len(stops) != 1 || stops[0] != "abc" {
		t.Errorf("audio stops = %v", stops)
	}

	sess, _ := in.Session("abc")
	if sess.AudioTrackSID != "" {
		t.Errorf("AudioTrackSID = %q, want cleared", sess.AudioTrackSID)
	}
}

func TestRoomFinishedClosesCall(t *testing.T) {
	calls := newFakeCalls()
	rooms := &fakeRooms{}
	in := newTestIngestor(t, calls, rooms)

	in.Enqueue(roomStartedEvent("abc"))
	in.Enqueue(&Event{
		Event: EventRoomFinished,
		Room:  &EventRoom{Name: RoomNameFor("abc")},
	})
	waitProcessed(t, in, 2)

	calls.mu.Lock()
	reason := calls.closed["abc"]
	calls.mu.Unlock()
	if reason != "room_finished" {
		t.Errorf("close reason = %q", reason)
	}
	if _, ok := in.Session("abc"); ok {
		t.Error("session should be removed after room_finished")
	}
	if got := rooms.deletions(); len(got) != 1 {
		t.Errorf("deleted rooms = %v", got)
	}
}

func TestRoomFinishedWithoutSession(t *testing.T) {
	// A finish for a room we never saw start still runs teardown.
	calls := newFakeCalls()
	rooms := &fakeRooms{}
	in := newTestIngestor(t, calls, rooms)

	in.Enqueue(&Event{
		Event: EventRoomFinished,
		Room:  &EventRoom{Name: RoomNameFor("orphan")},
	})
	waitProcessed(t, in, 1)

	calls.mu.Lock()
	_, closed := calls.closed["orphan"]
	calls.mu.Unlock()
	if !closed {
		t.Error("orphaned room finish should still close the call")
	}
	if got := rooms.deletions(); len(got) != 1 {
		t.Errorf("deleted rooms = %v", got)
	}
	if in.SessionCount() != 0 {
		t.Error("synthesized session should not outlive the event")
	}
}

func TestEnqueueFull(t *testing.T) {
	// Not started: nothing drains the queue.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	in := NewIngestor(1, newFakeCalls(), &fakeRooms{}, metrics.New(), logger)

	if err := in.Enqueue(roomStartedEvent("a")); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := in.Enqueue(roomStartedEvent("b")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	if in.QueueDepth() != 1 {
		t.Errorf("QueueDepth = %d, want 1", in.QueueDepth())
	}
}

func TestExpireSessions(t *testing.T) {
	in := NewIngestor(1, newFakeCalls(), &fakeRooms{},
		metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	old := time.Now().Add(-25 * time.Hour)
	in.sessions.put(&RoomSession{CallID: "stale", LastEventAt: old})
	in.sessions.put(&RoomSession{CallID: "live", LastEventAt: time.Now()})

	if removed := in.ExpireSessions(24 * time.Hour); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := in.Session("stale"); ok {
		t.Error("stale session should be gone")
	}
	if _, ok := in.Session("live"); !ok {
		t.Error("live session should remain")
	}
}

func TestEventCallID(t *testing.T) {
	tests := []struct {
		room   string
		wantID string
		wantOK bool
	}{
		{"voice-ai-call-abc-123", "abc-123", true},
		{"voice-ai-call-", "", false},
		{"other-room", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		ev := &Event{Event: EventRoomStarted}
		if tt.room != "" {
			ev.Room = &EventRoom{Name: tt.room}
		}
		id, ok := ev.CallID()
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("CallID(%q) = %q, %v; want %q, %v", tt.room, id, ok, tt.wantID, tt.wantOK)
		}
	}
}
