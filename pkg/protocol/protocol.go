// Package protocol defines the JSON wire frames exchanged over the signal
// socket. Every frame carries a "type" discriminator; the set of kinds is
// closed and dispatch over it must be exhaustive.
package protocol

import (
	"encoding/json"
	"errors"
)

type Kind string

const (
	// Client -> server.
	KindChat Kind = "chat"

	// Call signaling, relayed between two identities.
	KindCallInvite   Kind = "call-invite"
	KindPeerReady    Kind = "peer-ready"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
	KindCallRejected Kind = "call-rejected"
	KindEndCall      Kind = "end-call"

	// Server -> client.
	KindOnlineUsers Kind = "online-users"
	KindChatMessage Kind = "chat-message"
)

// IsSignal reports whether the kind belongs to the call-signaling set,
// i.e. frames the server forwards without interpreting their payload.
func (k Kind) IsSignal() bool {
	switch k {
	case KindCallInvite, KindPeerReady, KindOffer, KindAnswer,
		KindICECandidate, KindCallRejected, KindEndCall:
		return true
	default:
		return false
	}
}

// Envelope is the minimal parse used to pick a dispatch path.
type Envelope struct {
	Type Kind `json:"type"`
}

// ChatSend is an inbound chat frame.
type ChatSend struct {
	Type        Kind   `json:"type"`
	RecipientID string `json:"recipientId"`
	Text        string `json:"text"`
}

// ChatDelivery is the persisted record pushed to both sender and recipient.
// The id is the store-assigned one, so the sending client can reconcile its
// optimistic copy.
type ChatDelivery struct {
	Type      Kind   `json:"type"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
	ID        int64  `json:"id"`
}

// OnlineUser is one entry of a presence snapshot.
type OnlineUser struct {
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	AvatarLink string `json:"avatarLink"`
}

// PresencePayload is the full authoritative online set. Clients diff it
// against their previous view; the server never sends increments.
type PresencePayload struct {
	Type   Kind         `json:"type"`
	Online []OnlineUser `json:"online"`
}

// SignalFrame covers every call-signaling kind. Description and Candidate
// are opaque to the server and forwarded byte-for-byte.
type SignalFrame struct {
	Type            Kind            `json:"type"`
	To              string          `json:"to,omitempty"`
	From            string          `json:"from,omitempty"`
	FromDisplayName string          `json:"fromDisplayName,omitempty"`
	PeerRef         string          `json:"peerRef,omitempty"`
	Description     json.RawMessage `json:"description,omitempty"`
	Candidate       json.RawMessage `json:"candidate,omitempty"`
	Reason          string          `json:"reason,omitempty"`
}

var (
	ErrMissingTarget      = errors.New("signal frame missing target")
	ErrMissingPeerRef     = errors.New("signal frame missing peer ref")
	ErrMissingDescription = errors.New("signal frame missing description")
	ErrMissingCandidate   = errors.New("signal frame missing candidate")
)

// Validate checks the required fields for the frame's kind. It never looks
// inside Description or Candidate.
func (f *SignalFrame) Validate() error {
	if f.To == "" {
		return ErrMissingTarget
	}
	switch f.Type {
	case KindCallInvite, KindPeerReady:
		if f.PeerRef == "" {
			return ErrMissingPeerRef
		}
	case KindOffer, KindAnswer:
		if len(f.Description) == 0 {
			return ErrMissingDescription
		}
	case KindICECandidate:
		if len(f.Candidate) == 0 {
			return ErrMissingCandidate
		}
	case KindCallRejected, KindEndCall:
		// target only
	}
	return nil
}
