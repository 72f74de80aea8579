package media

// Room is the media server's record of an isolation unit for one call.
type Room struct {
	Name             string `json:"name"`
	SID              string `json:"sid"`
	EmptyTimeout     uint32 `json:"empty_timeout"`
	DepartureTimeout uint32 `json:"departure_timeout"`
	MaxParticipants  uint32 `json:"max_participants"`
	CreationTime     int64  `json:"creation_time"`
	Metadata         string `json:"metadata"`
	NumParticipants  uint32 `json:"num_participants"`
}

// ParticipantInfo describes one identity present in a room.
type ParticipantInfo struct {
	SID         string      `json:"sid"`
	Identity    string      `json:"identity"`
	State       string      `json:"state"`
	Tracks      []TrackInfo `json:"tracks"`
	Metadata    string      `json:"metadata"`
	JoinedAt    int64       `json:"joined_at"`
	Name        string      `json:"name"`
	IsPublisher bool        `json:"is_publisher"`
}

// TrackInfo describes one published track.
type TrackInfo struct {
	SID    string `json:"sid"`
	Type   string `json:"type"`   // "audio" or "video"
	Name   string `json:"name"`
	Muted  bool   `json:"muted"`
	Source string `json:"source"` // "microphone", "camera", ...
}

// CreateRoomRequest creates a room. Rooms are name-keyed: creating an
// existing name returns the existing room.
type CreateRoomRequest struct {
	Name             string `json:"name"`
	EmptyTimeout     uint32 `json:"empty_timeout,omitempty"`
	DepartureTimeout uint32 `json:"departure_timeout,omitempty"`
	MaxParticipants  uint32 `json:"max_participants,omitempty"`
	Metadata         string `json:"metadata,omitempty"`
	NodeID           string `json:"node_id,omitempty"`
}

// ListRoomsRequest lists rooms, optionally filtered by name.
type ListRoomsRequest struct {
	Names []string `json:"names,omitempty"`
}

// ListRoomsResponse is the reply to ListRooms.
type ListRoomsResponse struct {
	Rooms []Room `json:"rooms"`
}

// DeleteRoomRequest deletes a room and disconnects its participants.
type DeleteRoomRequest struct {
	Room string `json:"room"`
}

// ListParticipantsRequest lists a room's participants.
type ListParticipantsRequest struct {
	Room string `json:"room"`
}

// ListParticipantsResponse is the reply to ListParticipants.
type ListParticipantsResponse struct {
	Participants []ParticipantInfo `json:"participants"`
}

// RoomParticipantIdentity addresses one participant in one room.
type RoomParticipantIdentity struct {
	Room     string `json:"room"`
	Identity string `json:"identity"`
}

// UpdateParticipantRequest updates a participant's metadata or permissions.
type UpdateParticipantRequest struct {
	Room     string `json:"room"`
	Identity string `json:"identity"`
	Metadata string `json:"metadata,omitempty"`
}

// MuteRoomTrackRequest mutes or unmutes a published track.
type MuteRoomTrackRequest struct {
	Room     string `json:"room"`
	Identity string `json:"identity"`
	TrackSID string `json:"track_sid"`
	Muted    bool   `json:"muted"`
}

// MuteRoomTrackResponse is the reply to MutePublishedTrack.
type MuteRoomTrackResponse struct {
	Track TrackInfo `json:"track"`
}

// UpdateSubscriptionsRequest subscribes or unsubscribes a participant from
// the given tracks.
type UpdateSubscriptionsRequest struct {
	Room      string   `json:"room"`
	Identity  string   `json:"identity"`
	TrackSIDs []string `json:"track_sids"`
	Subscribe bool     `json:"subscribe"`
}

// SendDataRequest delivers an opaque payload to room participants over the
// data channel.
type SendDataRequest struct {
	Room                  string   `json:"room"`
	Data                  []byte   `json:"data"`
	Kind                  string   `json:"kind,omitempty"` // "reliable" or "lossy"
	DestinationIdentities []string `json:"destination_identities,omitempty"`
	Topic                 string   `json:"topic,omitempty"`
}

// UpdateRoomMetadataRequest replaces a room's metadata string.
type UpdateRoomMetadataRequest struct {
	Room     string `json:"room"`
	Metadata string `json:"metadata"`
}

// Stats is a snapshot of the client's per-call metrics record. Every RPC
// attempt contributes.
type Stats struct {
	Total        int64
	Success      int64
	Failure      int64
	Retries      int64
	AvgLatencyMS float64
}
