package token

// Publishable media sources.
const (
	SourceMicrophone = "microphone"
	SourceCamera     = "camera"
)

// Grants is the capability set carried inside a room token. The field names
// mirror the media server's video grant claim so the serialized token is
// accepted verbatim by its control plane.
type Grants struct {
	RoomJoin   bool   `json:"roomJoin,omitempty"`
	RoomCreate bool   `json:"roomCreate,omitempty"`
	RoomList   bool   `json:"roomList,omitempty"`
	RoomAdmin  bool   `json:"roomAdmin,omitempty"`
	RoomRecord bool   `json:"roomRecord,omitempty"`
	Room       string `json:"room,omitempty"`

	IngressAdmin bool `json:"ingressAdmin,omitempty"`

	CanPublish           *bool    `json:"canPublish,omitempty"`
	CanSubscribe         *bool    `json:"canSubscribe,omitempty"`
	CanPublishData       *bool    `json:"canPublishData,omitempty"`
	CanUpdateOwnMetadata *bool    `json:"canUpdateOwnMetadata,omitempty"`
	CanPublishSources    []string `json:"canPublishSources,omitempty"`
}

// Type names a grant preset for a class of room participant.
type Type string

const (
	// TypeParticipant is a full-duplex room member (caller or AI agent).
	TypeParticipant Type = "participant"
	// TypeAdmin can create and administer rooms in addition to publishing.
	TypeAdmin Type = "admin"
	// TypeViewOnly can subscribe but never publish.
	TypeViewOnly Type = "view_only"
	// TypeCameraOnly can publish video but not audio.
	TypeCameraOnly Type = "camera_only"
	// TypeMicOnly can publish audio but not video.
	TypeMicOnly Type = "mic_only"
)

func boolPtr(b bool) *bool { return &b }

// PresetGrants returns the grant set for a token type scoped to room.
// Unknown types fall back to the view-only preset, the least privileged.
func PresetGrants(t Type, room string) Grants {
	switch t {
	case TypeAdmin:
		return Grants{
			RoomJoin:             true,
			RoomCreate:           true,
			RoomList:             true,
			RoomAdmin:            true,
			RoomRecord:           true,
			Room:                 room,
			CanPublish:           boolPtr(true),
			CanSubscribe:         boolPtr(true),
			CanPublishData:       boolPtr(true),
			CanUpdateOwnMetadata: boolPtr(true),
		}
	case TypeParticipant:
		return Grants{
			RoomJoin:             true,
			Room:                 room,
			CanPublish:           boolPtr(true),
			CanSubscribe:         boolPtr(true),
			CanPublishData:       boolPtr(true),
			CanUpdateOwnMetadata: boolPtr(true),
		}
	case TypeCameraOnly:
		return Grants{
			RoomJoin:          true,
			Room:              room,
			CanPublish:        boolPtr(true),
			CanSubscribe:      boolPtr(true),
			CanPublishData:    boolPtr(true),
			CanPublishSources: []string{SourceCamera},
		}
	case TypeMicOnly:
		return Grants{
			RoomJoin:          true,
			Room:              room,
			CanPublish:        boolPtr(true),
			CanSubscribe:      boolPtr(true),
			CanPublishData:    boolPtr(true),
			CanPublishSources: []string{SourceMicrophone},
		}
	default: // TypeViewOnly and anything unrecognized
		return Grants{
			RoomJoin:     true,
			Room:         room,
			CanPublish:   boolPtr(false),
			CanSubscribe: boolPtr(true),
		}
	}
}

// Has reports whether the grant set satisfies a named requirement. The
// vocabulary matches the media server's grant names plus the publish flags.
func (g Grants) Has(name string) bool {
	switch name {
	case "room_join":
		return g.RoomJoin
	case "room_create":
		return g.RoomCreate
	case "room_list":
		return g.RoomList
	case "room_admin":
		return g.RoomAdmin
	case "room_record":
		return g.RoomRecord
	case "ingress_admin":
		return g.IngressAdmin
	case "can_publish":
		return g.CanPublish != nil && *g.CanPublish
	case "can_subscribe":
		return g.CanSubscribe != nil && *g.CanSubscribe
	case "can_publish_data":
		return g.CanPublishData != nil && *g.CanPublishData
	case "can_update_own_metadata":
		return g.CanUpdateOwnMetadata != nil && *g.CanUpdateOwnMetadata
	default:
		return false
	}
}

// CanPublishSource reports whether the grant set allows publishing the given
// source. An empty CanPublishSources list means all sources are allowed when
// publishing itself is allowed.
func (g Grants) CanPublishSource(source string) bool {
	if g.CanPublish == nil || !*g.CanPublish {
		return false
	}
	if len(g.CanPublishSources) == 0 {
		return true
	}
	for _, s := range g.CanPublishSources {
		if s == source {
			return true
		}
	}
	return false
}
