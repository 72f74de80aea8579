package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event names the media server sends.
const (
	EventRoomStarted       = "room_started"
	EventRoomFinished      = "room_finished"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventTrackPublished    = "track_published"
	EventTrackUnpublished  = "track_unpublished"
	EventRecordingStarted  = "recording_started"
	EventRecordingFinished = "recording_finished"
)

var knownEvents = map[string]bool{
	EventRoomStarted:       true,
	EventRoomFinished:      true,
	EventParticipantJoined: true,
	EventParticipantLeft:   true,
	EventTrackPublished:    true,
	EventTrackUnpublished:  true,
	EventRecordingStarted:  true,
	EventRecordingFinished: true,
}

// roomPrefix marks rooms owned by this gateway. The remainder of the room
// name is the call id.
const roomPrefix = "voice-ai-call-"

// Event is one decoded media-server webhook payload.
type Event struct {
	Event       string       `json:"event"`
	ID          string       `json:"id"`
	CreatedAt   int64        `json:"createdAt"`
	Room        *EventRoom   `json:"room,omitempty"`
	Participant *Participant `json:"participant,omitempty"`
	Track       *Track       `json:"track,omitempty"`

	// ReceivedAt is stamped at intake, not part of the wire payload.
	ReceivedAt time.Time `json:"-"`
}

// EventRoom is the room section of an event payload.
type EventRoom struct {
	SID             string `json:"sid"`
	Name            string `json:"name"`
	Metadata        string `json:"metadata,omitempty"`
	NumParticipants int    `json:"numParticipants,omitempty"`
	CreationTime    int64  `json:"creationTime,omitempty"`
}

// Participant is the participant section of an event payload.
type Participant struct {
	SID      string `json:"sid"`
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
	Metadata string `json:"metadata,omitempty"`
}

// Track is the track section of an event payload.
type Track struct {
	SID    string `json:"sid"`
	Type   string `json:"type"`   // "AUDIO", "VIDEO"
	Source string `json:"source"` // "MICROPHONE", "CAMERA", ...
	Name   string `json:"name,omitempty"`
	Muted  bool   `json:"muted,omitempty"`
}

// ParseEvent decodes a webhook body.
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decoding webhook event: %w", err)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("decoding webhook event: missing event field")
	}
	ev.ReceivedAt = time.Now().UTC()
	return &ev, nil
}

// Known reports whether the event type is in the handled vocabulary.
func (e *Event) Known() bool {
	return knownEvents[e.Event]
}

// RoomName returns the room name the event refers to, if any.
func (e *Event) RoomName() string {
	if e.Room == nil {
		return ""
	}
	return e.Room.Name
}

// CallID extracts the call id from an owned room name. ok is false when the
// event's room is not owned by this gateway.
func (e *Event) CallID() (string, bool) {
	name := e.RoomName()
	if !strings.HasPrefix(name, roomPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, roomPrefix)
	if id == "" {
		return "", false
	}
	return id, true
}

// RoomNameFor builds the owned room name for a call id.
func RoomNameFor(callID string) string {
	return roomPrefix + callID
}

// roomMetadata is the JSON the gateway stores on rooms it creates.
type roomMetadata struct {
	CallID       string `json:"call_id"`
	CallerNumber string `json:"caller_number"`
	CalledNumber string `json:"called_number"`
	TrunkName    string `json:"trunk_name"`
	Source       string `json:"source"`
}
