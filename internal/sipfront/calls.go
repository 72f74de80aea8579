package sipfront

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stellarvoice/voicegw/internal/config"
	"github.com/stellarvoice/voicegw/internal/media"
	"github.com/stellarvoice/voicegw/internal/metrics"
	"github.com/stellarvoice/voicegw/internal/token"
)

const (
	roomPrefix           = "voice-ai-call-"
	roomEmptyTimeout     = 300
	roomDepartureTimeout = 20
	roomMaxParticipants  = 2

	agentJoinAttempts = 3
	agentJoinDelay    = time.Second
	agentIdentity     = "voice-agent"
)

// RoomAPI is the media-server surface the front-end needs.
type RoomAPI interface {
	CreateRoom(ctx context.Context, req media.CreateRoomRequest) (*media.Room, error)
	DeleteRoom(ctx context.Context, room string) error
}

// TokenMinter issues capability tokens for room access.
type TokenMinter interface {
	Mint(tokenType token.Type, identity, room string, ttl time.Duration, autoRenew bool) (string, error)
}

// CallInfo tracks one inbound SIP call owned by the front-end.
type CallInfo struct {
	CallID       string
	SIPCallID    string
	CallerNumber string
	CalledNumber string
	TrunkName    string
	RoomName     string
	Action       string
	ReceivedAt   time.Time
}

// Disposition is the outcome of routing one inbound call.
type Disposition struct {
	Action   string
	CallID   string
	RoomName string
}

// CallManager routes inbound calls and owns their room lifecycle.
type CallManager struct {
	rules  []config.RoutingRule
	rooms  RoomAPI
	tokens TokenMinter
	agent  AgentRunner
	mets   *metrics.Metrics
	logger *slog.Logger

	mu    sync.RWMutex
	calls map[string]*CallInfo
}

// NewCallManager builds the routing and lifecycle manager.
func NewCallManager(rules []config.RoutingRule, rooms RoomAPI, tokens TokenMinter, agent AgentRunner, mets *metrics.Metrics, logger *slog.Logger) *CallManager {
	return &CallManager{
		rules:  rules,
		rooms:  rooms,
		tokens: tokens,
		agent:  agent,
		mets:   mets,
		logger: logger.With("component", "sipfront"),
		calls:  make(map[string]*CallInfo),
	}
}

// HandleIncomingCall assigns a call id, routes the call, and for voice_ai
// dispositions prepares the media room and agent. The SIP layer answers or
// rejects based on the returned disposition.
func (m *CallManager) HandleIncomingCall(ctx context.Context, sipCallID, caller, called, trunk string, headers map[string]string) (*Disposition, error) {
	callID := uuid.NewString()
	log := m.logger.With("call_id", callID, "caller", caller, "called", called, "trunk", trunk)

	rule := routeCall(m.rules, caller, called, trunk, headers)
	log.Info("routed inbound call", "action", rule.Action)

	info := &CallInfo{
		CallID:       callID,
		SIPCallID:    sipCallID,
		CallerNumber: caller,
		CalledNumber: called,
		TrunkName:    trunk,
		Action:       rule.Action,
		ReceivedAt:   time.Now().UTC(),
	}

	switch rule.Action {
	case config.ActionVoiceAI:
		roomName, err := m.setupVoiceAI(ctx, info, log)
		if err != nil {
			m.mets.CallsRejected.WithLabelValues("room_setup_failed").Inc()
			return nil, err
		}
		info.RoomName = roomName
		m.mu.Lock()
		m.calls[callID] = info
		m.mu.Unlock()
		return &Disposition{Action: config.ActionVoiceAI, CallID: callID, RoomName: roomName}, nil

	case config.ActionForward:
		// Forwarding to another trunk is routed by the SIP layer itself.
		return &Disposition{Action: config.ActionForward, CallID: callID}, nil

	default:
		m.mets.CallsRejected.WithLabelValues("routing_rule").Inc()
		return &Disposition{Action: config.ActionReject, CallID: callID}, nil
	}
}

// setupVoiceAI creates the call's room, mints the agent token, and gets the
// agent joined. Any failure tears the room back down.
func (m *CallManager) setupVoiceAI(ctx context.Context, info *CallInfo, log *slog.Logger) (string, error) {
	roomName := roomPrefix + info.CallID

	meta, err := json.Marshal(map[string]string{
		"call_id":       info.CallID,
		"caller_number": info.CallerNumber,
		"called_number": info.CalledNumber,
		"trunk_name":    info.TrunkName,
		"source":        "sip",
	})
	if err != nil {
		return "", fmt.Errorf("marshalling room metadata: %w", err)
	}

	room, err := m.rooms.CreateRoom(ctx, media.CreateRoomRequest{
		Name:             roomName,
		EmptyTimeout:     roomEmptyTimeout,
		DepartureTimeout: roomDepartureTimeout,
		MaxParticipants:  roomMaxParticipants,
		Metadata:         string(meta),
	})
	if err != nil {
		return "", fmt.Errorf("creating room for call %s: %w", info.CallID, err)
	}
	log.Info("room created", "room", room.Name, "sid", room.SID)

	agentToken, err := m.tokens.Mint(token.TypeParticipant, agentIdentity+"-"+info.CallID, roomName, 0, true)
	if err != nil {
		m.teardownRoom(roomName, log)
		return "", fmt.Errorf("minting agent token: %w", err)
	}

	if err := m.joinAgent(ctx, roomName, agentToken, info.CallID); err != nil {
		m.teardownRoom(roomName, log)
		return "", fmt.Errorf("agent join for call %s: %w", info.CallID, err)
	}
	return roomName, nil
}

// joinAgent retries the agent join a fixed number of times before giving up.
func (m *CallManager) joinAgent(ctx context.Context, room, agentToken, callID string) error {
	var lastErr error
	for attempt := 1; attempt <= agentJoinAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(agentJoinDelay):
			}
		}
		if lastErr = m.agent.Join(ctx, room, agentToken, callID); lastErr == nil {
			return nil
		}
		m.logger.Warn("agent join attempt failed",
			"call_id", callID, "attempt", attempt, "error", lastErr)
	}
	return fmt.Errorf("after %d attempts: %w", agentJoinAttempts, lastErr)
}

// EndCall tears down a tracked call: agent out, room deleted, slot freed.
// Unknown call ids are a no-op so SIP BYE and room_finished can race.
func (m *CallManager) EndCall(ctx context.Context, callID, reason string) {
	m.mu.Lock()
	info, ok := m.calls[callID]
	if ok {
		delete(m.calls, callID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	log := m.logger.With("call_id", callID, "reason", reason)
	if info.RoomName != "" {
		if err := m.agent.Leave(ctx, info.RoomName); err != nil {
			log.Warn("agent leave failed", "error", err)
		}
		m.teardownRoom(info.RoomName, log)
	}
	log.Info("call ended", "duration_sec", time.Since(info.ReceivedAt).Seconds())
}

// EndCallByRoom resolves a room name back to its call and ends it.
func (m *CallManager) EndCallByRoom(ctx context.Context, roomName, reason string) {
	m.mu.RLock()
	var callID string
	for id, info := range m.calls {
		if info.RoomName == roomName {
			callID = id
			break
		}
	}
	m.mu.RUnlock()
	if callID != "" {
		m.EndCall(ctx, callID, reason)
	}
}

// Call returns a tracked call by id.
func (m *CallManager) Call(callID string) (*CallInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.calls[callID]
	if !ok {
		return nil, false
	}
	cp := *info
	return &cp, true
}

// TrackedCalls reports how many calls the front-end currently owns.
func (m *CallManager) TrackedCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

func (m *CallManager) teardownRoom(roomName string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.rooms.DeleteRoom(ctx, roomName); err != nil && media.KindOf(err) != media.KindNotFound {
		log.Error("deleting room", "room", roomName, "error", err)
	}
}
