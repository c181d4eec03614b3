// Package rtc implements the call machine's MediaSession over pion.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"chatrelay/internal/call"
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// MediaSession wraps one PeerConnection for one negotiation attempt.
// Descriptions and candidates cross the relay as opaque JSON; this is the
// only place they are interpreted.
type MediaSession struct {
	pc       *webrtc.PeerConnection
	onCand   func(json.RawMessage)
	onFailed func(error)
}

// Factory builds a call.MediaFactory producing fresh sessions, one per
// negotiation attempt. onFailed, if set, is told when ICE gives up so the
// session can apply its retry policy.
func Factory(cfg webrtc.Configuration, onFailed func(error)) call.MediaFactory {
	return func(ctx context.Context) (call.MediaSession, error) {
		return NewMediaSession(cfg, onFailed)
	}
}

func NewMediaSession(cfg webrtc.Configuration, onFailed func(error)) (*MediaSession, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	m := &MediaSession{pc: pc, onFailed: onFailed}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed && m.onFailed != nil {
			m.onFailed(fmt.Errorf("ice connection failed"))
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || m.onCand == nil {
			return
		}
		raw, err := json.Marshal(cand.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("marshal candidate")
			return
		}
		m.onCand(raw)
	})

	return m, nil
}

func (m *MediaSession) OnCandidate(fn func(json.RawMessage)) {
	m.onCand = fn
}

// CreateOffer produces the local description for a caller-side attempt.
// Candidates trickle through OnCandidate afterwards.
func (m *MediaSession) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(m.pc.LocalDescription())
}

// AcceptOffer applies the remote offer and answers it, waiting for
// gathering so the answer carries its candidates.
func (m *MediaSession) AcceptOffer(ctx context.Context, desc json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(desc, &offer); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if err := m.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(m.pc)
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return json.Marshal(m.pc.LocalDescription())
}

func (m *MediaSession) AcceptAnswer(desc json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(desc, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := m.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (m *MediaSession) AddCandidate(cand json.RawMessage) error {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(cand, &ci); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return m.pc.AddICECandidate(ci)
}

func (m *MediaSession) Close() {
	if err := m.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close error")
	}
}
