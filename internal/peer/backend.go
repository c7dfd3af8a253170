package peer

import (
	"context"

	"chatcall-backend/internal/domain"
)

// SessionDescription is an SDP offer or answer in the browser's JSON shape
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a trickled ICE candidate in the browser's JSON shape
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// TransportState mirrors the peer connection state
type TransportState string

const (
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// Terminal reports whether the transport cannot recover
func (s TransportState) Terminal() bool {
	return s == TransportFailed || s == TransportClosed
}

// MediaEventKind tells which field of a MediaEvent is set
type MediaEventKind int

const (
	MediaLocalCandidate MediaEventKind = iota
	MediaRemoteTrack
	MediaStateChange
)

// MediaEvent is a callback from the media backend, delivered to the
// controller's event queue
type MediaEvent struct {
	Kind      MediaEventKind
	Candidate Candidate
	// Track names the remote track kind, audio or video
	Track string
	State TransportState
}

// EventSink receives media events. It must not block.
type EventSink func(MediaEvent)

// MediaBackend acquires local media and opens one MediaSession per call
type MediaBackend interface {
	Open(ctx context.Context, kind domain.CallKind, sink EventSink) (MediaSession, error)
}

// MediaSession is one peer connection with its local tracks
type MediaSession interface {
	CreateOffer(ctx context.Context) (SessionDescription, error)
	// CreateAnswer applies the remote offer and returns the local answer
	CreateAnswer(ctx context.Context, offer SessionDescription) (SessionDescription, error)
	SetRemoteAnswer(ctx context.Context, answer SessionDescription) error
	AddCandidate(c Candidate) error
	SetMuted(muted bool) error
	SetVideoEnabled(enabled bool) error
	Close() error
}
