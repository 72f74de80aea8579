package webhook

import (
	"sync"
	"time"
)

// RoomSession is the gateway's view of one media-server room tied to a call.
// Only the event consumer mutates sessions; HTTP handlers read snapshots.
type RoomSession struct {
	CallID        string    `json:"call_id"`
	RoomName      string    `json:"room_name"`
	RoomSID       string    `json:"room_sid"`
	CallerNumber  string    `json:"caller_number,omitempty"`
	CalledNumber  string    `json:"called_number,omitempty"`
	TrunkName     string    `json:"trunk_name,omitempty"`
	AudioTrackSID string    `json:"audio_track_sid,omitempty"`
	Participants  []string  `json:"participants"`
	Synthesized   bool      `json:"synthesized,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	LastEventAt   time.Time `json:"last_event_at"`
}

type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*RoomSession // keyed by call id
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*RoomSession)}
}

func (s *sessionStore) put(sess *RoomSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.CallID] = sess
}

func (s *sessionStore) get(callID string) (*RoomSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[callID]
	if !ok {
		return nil, false
	}
	cp := *sess
	cp.Participants = append([]string(nil), sess.Participants...)
	return &cp, true
}

func (s *sessionStore) delete(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[callID]; !ok {
		return false
	}
	delete(s.sessions, callID)
	return true
}

// update applies fn to a live session under the write lock.
func (s *sessionStore) update(callID string, fn func(*RoomSession)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[callID]
	if !ok {
		return false
	}
	fn(sess)
	sess.LastEventAt = time.Now().UTC()
	return true
}

func (s *sessionStore) all() []RoomSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RoomSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		cp.Participants = append([]string(nil), sess.Participants...)
		out = append(out, cp)
	}
	return out
}

func (s *sessionStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// expire removes sessions idle longer than maxAge and returns their call ids.
func (s *sessionStore) expire(maxAge time.Duration) []string {
	horizon := time.Now().UTC().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, sess := range s.sessions {
		ref := sess.LastEventAt
		if ref.IsZero() {
			ref = sess.StartedAt
		}
		if ref.Before(horizon) {
			delete(s.sessions, id)
			removed = append(removed, id)
		}
	}
	return removed
}
