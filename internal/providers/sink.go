package providers

import (
	"context"
	"sync"
	"time"

	"github.com/stellarvoice/voicegw/internal/media"
)

// frameInterval paces playback so the room receives audio in real time.
const frameInterval = 100 * time.Millisecond

// audioTopic is the data-channel topic the agent plays out from.
const audioTopic = "agent-audio"

// RoomSink delivers synthesized frames to a call's room over the media
// server data channel.
type RoomSink struct {
	client *media.Client

	mu      sync.Mutex
	playing map[string]context.CancelFunc // call id -> active playback
}

// NewRoomSink builds a sink on top of the media API client.
func NewRoomSink(client *media.Client) *RoomSink {
	return &RoomSink{client: client, playing: make(map[string]context.CancelFunc)}
}

// PublishFrames streams frames to the call's room, paced at the frame
// interval. It returns early when ctx is cancelled or StopPlayback fires.
func (s *RoomSink) PublishFrames(ctx context.Context, callID string, frames [][]byte) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if prev, ok := s.playing[callID]; ok {
		prev()
	}
	s.playing[callID] = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.playing, callID)
		s.mu.Unlock()
	}()

	room := "voice-ai-call-" + callID
	for i, frame := range frames {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(frameInterval):
			}
		}
		err := s.client.SendData(ctx, media.SendDataRequest{
			Room:  room,
			Data:  frame,
			Kind:  "lossy",
			Topic: audioTopic,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// StopPlayback interrupts any in-progress delivery for the call.
func (s *RoomSink) StopPlayback(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.playing[callID]; ok {
		cancel()
		delete(s.playing, callID)
	}
}
