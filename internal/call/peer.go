package call

import (
	"context"
	"encoding/json"
)

// Media kinds used by Media.SetEnabled and remote track notifications.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

// PeerConnection is the negotiation object of one call. Descriptions and
// candidates are carried as the JSON the browser produces, so they can be
// relayed without interpretation.
type PeerConnection interface {
	// CreateOffer creates an offer, applies it locally and returns it.
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	// CreateAnswer creates an answer, applies it locally and returns it.
	CreateAnswer(ctx context.Context) (json.RawMessage, error)
	SetRemoteDescription(desc json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error
	Close() error
}

// PeerEvents are the callbacks a PeerConnection reports through. They may be
// invoked from any goroutine.
type PeerEvents struct {
	OnCandidate func(candidate json.RawMessage)
	OnTrack     func(kind string)
	OnFailed    func(err error)
}

// PeerFactory creates the negotiation object for a call, with the local media
// already attached.
type PeerFactory interface {
	NewPeer(ctx context.Context, media Media, events PeerEvents) (PeerConnection, error)
}

// Media is the local capture of one call.
type Media interface {
	Video() bool
	SetEnabled(kind string, enabled bool)
	Stop()
}

// MediaSource acquires local media. Acquire fails when the requested kinds
// are unavailable.
type MediaSource interface {
	Acquire(ctx context.Context, video bool) (Media, error)
}

// Signaler sends a client message to the server.
type Signaler interface {
	Send(msgType string, payload interface{}) error
}
