// Package call implements the client-side negotiation state machine: role
// resolution, the invite/ready handshake, description and candidate
// exchange through the relay, and bounded retry on failure. It talks to
// the transport and the media stack only through small interfaces, so the
// machine itself is transport- and media-agnostic.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chatrelay/internal/domain"
	"chatrelay/pkg/protocol"
)

// Signaler delivers frames to the relay. Implementations must not call
// back into the Session from Send.
type Signaler interface {
	Send(protocol.SignalFrame) error
}

// MediaSession is one negotiation attempt's media state: local media is
// acquired when the session is created and released on Close.
type MediaSession interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	AcceptOffer(ctx context.Context, desc json.RawMessage) (json.RawMessage, error)
	AcceptAnswer(desc json.RawMessage) error
	AddCandidate(cand json.RawMessage) error
	OnCandidate(fn func(json.RawMessage))
	Close()
}

// MediaFactory acquires local media and builds a fresh MediaSession. Each
// retry gets a new one.
type MediaFactory func(ctx context.Context) (MediaSession, error)

// Alerter is the scoped ringtone resource: started on entering RINGING,
// stopped on any transition out of it.
type Alerter interface {
	Start()
	Stop()
}

// NopAlerter is used where no audible alert exists.
type NopAlerter struct{}

func (NopAlerter) Start() {}
func (NopAlerter) Stop()  {}

type Config struct {
	RetryLimit int
	RetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{RetryLimit: 3, RetryDelay: 1500 * time.Millisecond}
}

var (
	ErrBusy         = errors.New("another call is active")
	ErrInvalidState = errors.New("action invalid for current state")
)

const (
	reasonBusy     = "busy"
	reasonRejected = "call was rejected"
	reasonHangup   = "hung up"
	reasonPeerEnd  = "ended by peer"
)

// Session is the per-identity call state machine. At most one call may be
// in progress per local identity: a second invite while non-idle is
// answered with a busy rejection and does not disturb the session.
type Session struct {
	mu       sync.Mutex
	cfg      Config
	local    domain.User
	signaler Signaler
	newMedia MediaFactory
	alerter  Alerter

	state      State
	role       Role
	remote     domain.UserID
	remoteName string
	localRef   string
	remoteRef  string
	media      MediaSession
	answered   bool
	retries    int
	retryTimer *time.Timer
	peerEnded  bool
	endReason  string

	onIncoming func(from domain.UserID, name string)
	onEnded    func(reason string)
}

func NewSession(local domain.User, signaler Signaler, newMedia MediaFactory, alerter Alerter, cfg Config) *Session {
	if alerter == nil {
		alerter = NopAlerter{}
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = DefaultConfig().RetryLimit
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	return &Session{
		cfg:      cfg,
		local:    local,
		signaler: signaler,
		newMedia: newMedia,
		alerter:  alerter,
		state:    StateIdle,
	}
}

// OnIncoming installs the callback run when an invite arrives while idle.
// Set it before frames start flowing.
func (s *Session) OnIncoming(fn func(from domain.UserID, name string)) { s.onIncoming = fn }

// OnEnded installs the callback run once per call on reaching ENDED.
func (s *Session) OnEnded(fn func(reason string)) { s.onEnded = fn }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Remote() domain.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// EndReason reports why the session ended; empty until ENDED.
func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// Invite starts an outbound call. The session becomes the caller and waits
// for the callee's peer-ready before touching media.
func (s *Session) Invite(remote domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle && s.state != StateEnded {
		return ErrBusy
	}
	s.reset()
	s.state = StateInviting
	s.role = RoleCaller
	s.remote = remote
	s.localRef = uuid.NewString()

	log.Info().Str("module", "call").Str("to", string(remote)).Msg("inviting")
	return s.signaler.Send(protocol.SignalFrame{
		Type:            protocol.KindCallInvite,
		To:              string(remote),
		FromDisplayName: s.local.Username,
		PeerRef:         s.localRef,
	})
}

// Accept takes an incoming call from RINGING into NEGOTIATING: the ringer
// stops, local media is acquired, and peer-ready tells the caller this
// side can receive an offer.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRinging {
		return ErrInvalidState
	}
	s.alerter.Stop()

	if err := s.acquireMediaLocked(ctx); err != nil {
		s.endLocked(fmt.Sprintf("media acquisition failed: %v", err), true)
		return err
	}
	s.state = StateNegotiating
	s.localRef = uuid.NewString()

	log.Info().Str("module", "call").Str("from", string(s.remote)).Msg("accepted call")
	return s.signaler.Send(protocol.SignalFrame{
		Type:    protocol.KindPeerReady,
		To:      string(s.remote),
		PeerRef: s.localRef,
	})
}

// Reject declines a ringing call and ends the session.
func (s *Session) Reject() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRinging {
		return ErrInvalidState
	}
	_ = s.signaler.Send(protocol.SignalFrame{
		Type:   protocol.KindCallRejected,
		To:     string(s.remote),
		Reason: reasonRejected,
	})
	s.peerEnded = true // rejection already told the peer; no end-call needed
	s.endLocked(reasonRejected, false)
	return nil
}

// Hangup ends the call from any state and notifies the peer unless the
// peer already ended it.
func (s *Session) Hangup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle || s.state == StateEnded {
		return
	}
	s.endLocked(reasonHangup, true)
}

// HandleFrame feeds one relayed frame into the machine.
func (s *Session) HandleFrame(ctx context.Context, f protocol.SignalFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch f.Type {
	case protocol.KindCallInvite:
		s.handleInviteLocked(f)
	case protocol.KindPeerReady:
		s.handlePeerReadyLocked(ctx, f)
	case protocol.KindOffer:
		s.handleOfferLocked(ctx, f)
	case protocol.KindAnswer:
		s.handleAnswerLocked(f)
	case protocol.KindICECandidate:
		s.handleCandidateLocked(f)
	case protocol.KindCallRejected:
		if s.inCallWith(f.From) {
			reason := f.Reason
			if reason == "" {
				reason = reasonRejected
			}
			s.peerEnded = true
			s.endLocked(reason, false)
		}
	case protocol.KindEndCall:
		if s.inCallWith(f.From) {
			s.peerEnded = true
			s.endLocked(reasonPeerEnd, false)
		}
	default:
		log.Warn().Str("module", "call").Str("kind", string(f.Type)).Msg("unexpected frame kind")
	}
}

func (s *Session) handleInviteLocked(f protocol.SignalFrame) {
	if s.state != StateIdle && s.state != StateEnded {
		// Single session per identity: never queued, never disturbs the
		// session in progress.
		log.Info().Str("module", "call").Str("from", f.From).Msg("busy, rejecting invite")
		_ = s.signaler.Send(protocol.SignalFrame{
			Type:   protocol.KindCallRejected,
			To:     f.From,
			Reason: reasonBusy,
		})
		return
	}
	s.reset()
	s.state = StateRinging
	s.role = RoleCallee
	s.remote = domain.UserID(f.From)
	s.remoteName = f.FromDisplayName
	s.remoteRef = f.PeerRef
	s.alerter.Start()

	log.Info().Str("module", "call").Str("from", f.From).Str("name", f.FromDisplayName).Msg("incoming call")
	if s.onIncoming != nil {
		go s.onIncoming(s.remote, s.remoteName)
	}
}

// handlePeerReadyLocked is the caller's cue that the callee's receiving
// side is initialized; only now does the caller acquire media and offer.
func (s *Session) handlePeerReadyLocked(ctx context.Context, f protocol.SignalFrame) {
	if s.role != RoleCaller || s.state != StateInviting || !s.inCallWith(f.From) {
		log.Debug().Str("module", "call").Str("from", f.From).Msg("peer-ready ignored")
		return
	}
	s.remoteRef = f.PeerRef
	s.state = StateNegotiating
	s.negotiateLocked(ctx)
}

func (s *Session) handleOfferLocked(ctx context.Context, f protocol.SignalFrame) {
	if s.role != RoleCallee || !s.inCallWith(f.From) {
		log.Debug().Str("module", "call").Str("from", f.From).Msg("offer ignored")
		return
	}
	// Idempotent guard: one answer per attempt, duplicates dropped.
	if s.answered || (s.state != StateNegotiating && s.state != StateRetrying) {
		log.Debug().Str("module", "call").Str("from", f.From).Str("state", s.state.String()).Msg("duplicate offer ignored")
		return
	}
	// After a failed attempt the previous media session is released; a
	// fresh offer from the caller starts a new attempt, so reacquire.
	if s.media == nil {
		if err := s.acquireMediaLocked(ctx); err != nil {
			s.failNegotiationLocked(ctx, err)
			return
		}
	}
	s.state = StateNegotiating

	answer, err := s.media.AcceptOffer(ctx, f.Description)
	if err != nil {
		s.failNegotiationLocked(ctx, err)
		return
	}
	s.answered = true
	if err := s.signaler.Send(protocol.SignalFrame{
		Type:        protocol.KindAnswer,
		To:          string(s.remote),
		Description: answer,
	}); err != nil {
		s.failNegotiationLocked(ctx, err)
		return
	}
	s.state = StateActive
	log.Info().Str("module", "call").Str("with", string(s.remote)).Msg("call active")
}

func (s *Session) handleAnswerLocked(f protocol.SignalFrame) {
	if s.role != RoleCaller || s.state != StateNegotiating || !s.inCallWith(f.From) {
		log.Debug().Str("module", "call").Str("from", f.From).Msg("answer ignored")
		return
	}
	if err := s.media.AcceptAnswer(f.Description); err != nil {
		s.failNegotiationLocked(context.Background(), err)
		return
	}
	s.state = StateActive
	log.Info().Str("module", "call").Str("with", string(s.remote)).Msg("call active")
}

func (s *Session) handleCandidateLocked(f protocol.SignalFrame) {
	if !s.inCallWith(f.From) || s.media == nil {
		log.Debug().Str("module", "call").Str("from", f.From).Msg("candidate ignored")
		return
	}
	if err := s.media.AddCandidate(f.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("add candidate")
	}
}

// NegotiationFailed reports an attempt failure detected outside the
// machine, e.g. the media adapter seeing ICE fail.
func (s *Session) NegotiationFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNegotiating && s.state != StateActive {
		return
	}
	s.failNegotiationLocked(context.Background(), err)
}

// negotiateLocked runs one caller-side attempt: fresh media, offer out.
func (s *Session) negotiateLocked(ctx context.Context) {
	if err := s.acquireMediaLocked(ctx); err != nil {
		s.failNegotiationLocked(ctx, err)
		return
	}
	offer, err := s.media.CreateOffer(ctx)
	if err != nil {
		s.failNegotiationLocked(ctx, err)
		return
	}
	if err := s.signaler.Send(protocol.SignalFrame{
		Type:        protocol.KindOffer,
		To:          string(s.remote),
		Description: offer,
	}); err != nil {
		s.failNegotiationLocked(ctx, err)
		return
	}
}

// failNegotiationLocked applies the bounded-retry policy: up to RetryLimit
// attempts with a fixed delay, then ENDED with a terminal reason. Exactly
// one attempt is ever in flight; RETRYING holds the session while the
// delay runs.
func (s *Session) failNegotiationLocked(ctx context.Context, cause error) {
	s.releaseMediaLocked()
	s.retries++
	if s.retries >= s.cfg.RetryLimit {
		s.endLocked(fmt.Sprintf("negotiation failed after %d attempts: %v", s.retries, cause), true)
		return
	}

	log.Warn().Err(cause).Str("module", "call").Int("attempt", s.retries).Msg("negotiation failed, retrying")
	s.state = StateRetrying
	s.answered = false
	s.retryTimer = time.AfterFunc(s.cfg.RetryDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != StateRetrying {
			return
		}
		s.state = StateNegotiating
		if s.role == RoleCaller {
			s.negotiateLocked(ctx)
		}
		// The callee waits in NEGOTIATING for the caller's fresh offer.
	})
}

func (s *Session) acquireMediaLocked(ctx context.Context) error {
	if s.media != nil {
		return nil
	}
	m, err := s.newMedia(ctx)
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}
	remote := s.remote
	m.OnCandidate(func(cand json.RawMessage) {
		// Runs on the media stack's goroutine; send directly, no lock.
		_ = s.signaler.Send(protocol.SignalFrame{
			Type:      protocol.KindICECandidate,
			To:        string(remote),
			Candidate: cand,
		})
	})
	s.media = m
	return nil
}

func (s *Session) releaseMediaLocked() {
	if s.media != nil {
		s.media.Close()
		s.media = nil
	}
}

// endLocked is the single exit: releases media and the ringer, cancels any
// pending retry, notifies the peer unless it already knows, and fires the
// OnEnded callback exactly once.
func (s *Session) endLocked(reason string, notifyPeer bool) {
	if s.state == StateEnded {
		return
	}
	s.state = StateEnded
	s.endReason = reason
	s.alerter.Stop()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.releaseMediaLocked()
	if notifyPeer && !s.peerEnded && s.remote != "" {
		_ = s.signaler.Send(protocol.SignalFrame{
			Type: protocol.KindEndCall,
			To:   string(s.remote),
		})
	}
	log.Info().Str("module", "call").Str("with", string(s.remote)).Str("reason", reason).Msg("call ended")
	if s.onEnded != nil {
		go s.onEnded(reason)
	}
}

func (s *Session) inCallWith(from string) bool {
	return s.remote != "" && string(s.remote) == from
}

// reset clears per-call state when a fresh call begins on a session that
// already ended one.
func (s *Session) reset() {
	s.role = RoleNone
	s.remote = ""
	s.remoteName = ""
	s.localRef = ""
	s.remoteRef = ""
	s.answered = false
	s.retries = 0
	s.peerEnded = false
	s.endReason = ""
}
