// Package media defines the contract with the SFU media core. The control
// plane never touches RTP itself; it issues create/connect/produce/consume/
// close calls and reacts to close notifications the core pushes back.
package media

import "context"

// Kind is the media kind of a producer.
type Kind string

// StreamType distinguishes webcam media from screen capture.
type StreamType string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"

	TypeWebcam StreamType = "webcam"
	TypeScreen StreamType = "screen"
)

// ValidKind reports whether s names a known producer kind.
func ValidKind(s string) bool {
	return s == string(KindAudio) || s == string(KindVideo)
}

// ValidStreamType reports whether s names a known stream type.
func ValidStreamType(s string) bool {
	return s == string(TypeWebcam) || s == string(TypeScreen)
}

// ProducerRef identifies one published stream inside the media core.
type ProducerRef struct {
	ID   string
	Kind Kind
	Type StreamType
}

// TransportRef identifies one transport inside the media core.
type TransportRef struct {
	ID string
}

// PlainTransport is a loopback RTP transport used for the transcription tap.
type PlainTransport struct {
	ID        string
	LocalIP   string
	LocalPort int
}

// ConsumerRef identifies a consumer created on a transport.
type ConsumerRef struct {
	ID         string
	ProducerID string
}

// CloseKind tags the close notifications the media core emits.
type CloseKind string

const (
	CloseProducer  CloseKind = "producerclose"
	CloseTransport CloseKind = "transportclose"
	CloseRouter    CloseKind = "routerclose"
)

// CloseEvent is pushed by the media core when it tears something down on its
// own (peer went away, router died). A second explicit close racing with one
// of these is absorbed as a no-op by the receiver.
type CloseEvent struct {
	Kind       CloseKind
	ChannelID  string
	ProducerID string
}

// Provider is the media core client. All calls are remote and may fail with
// upstream errors; none of them are retried here.
type Provider interface {
	// RouterRtpCapabilities returns the codec capabilities for a channel's
	// router, handed to clients at join time.
	RouterRtpCapabilities(ctx context.Context, channelID string) (map[string]any, error)

	// CreatePlainTransport allocates a loopback RTP transport for a tap.
	CreatePlainTransport(ctx context.Context, channelID string) (*PlainTransport, error)

	// Consume attaches a consumer for producerID onto the given transport.
	Consume(ctx context.Context, channelID, transportID, producerID string) (*ConsumerRef, error)

	// CloseProducer closes a producer. Closing an unknown producer is not an
	// error; the core treats it as already closed.
	CloseProducer(ctx context.Context, channelID, producerID string) error

	// CloseTransport closes a transport and everything attached to it.
	CloseTransport(ctx context.Context, channelID, transportID string) error
}
