package call

import (
	"context"
	"encoding/json"
)

// Track is one local or remote media track.
type Track interface {
	Kind() string // "audio" or "video"
	Stop()
}

// MediaStream groups the tracks of one capture or one remote peer.
type MediaStream interface {
	Tracks() []Track
}

// MediaSource acquires local capture devices.
type MediaSource interface {
	Acquire(ctx context.Context, video bool) (MediaStream, error)
}

// PeerConfig wires a peer connection to the coordinator.
type PeerConfig struct {
	Initiator bool
	Stream    MediaStream

	// OnSignal receives every locally generated signaling payload.
	OnSignal func(json.RawMessage)
	// OnStream receives the remote media stream.
	OnStream func(MediaStream)
	// OnConnect fires once the media path is up.
	OnConnect func()
	// OnError reports a fatal peer failure.
	OnError func(error)
}

// PeerConnection is a direct media connection to the other participant.
type PeerConnection interface {
	// Signal applies a signaling payload received from the remote side.
	Signal(payload json.RawMessage) error
	Close() error
}

// PeerFactory creates peer connections. No media library is implied.
type PeerFactory interface {
	NewPeer(cfg PeerConfig) (PeerConnection, error)
}

// stopStream stops every track of ms.
func stopStream(ms MediaStream) {
	if ms == nil {
		return
	}
	for _, t := range ms.Tracks() {
		t.Stop()
	}
}

// Headless serves hosts without capture devices. Incoming invites are
// still tracked and can be declined; starting or answering a call fails
// with ErrMediaUnavailable.
type Headless struct{}

func (Headless) Acquire(context.Context, bool) (MediaStream, error) {
	return nil, ErrMediaUnavailable
}

func (Headless) NewPeer(PeerConfig) (PeerConnection, error) {
	return nil, ErrMediaUnavailable
}
