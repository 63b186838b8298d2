package channels

import (
	"context"
	"time"
)

// TextEvent is an inbound text message from a chat identity.
type TextEvent struct {
	ChatIdentity string
	Text         string
}

// VoiceEvent is an inbound voice note. AudioRef is the platform's handle
// for the audio and is resolved with Transport.FetchAudio.
type VoiceEvent struct {
	ChatIdentity string
	AudioRef     string
	MimeType     string
	Duration     time.Duration
}

// Presence is a transient activity hint shown to the user.
type Presence string

const (
	PresenceTyping      Presence = "typing"
	PresenceRecordVoice Presence = "record_voice"
)

// Handler consumes inbound events. Events of one chat identity are
// delivered one at a time and in order.
type Handler interface {
	HandleText(ctx context.Context, ev TextEvent)
	HandleVoice(ctx context.Context, ev VoiceEvent)
}

// Transport is the outbound side of a channel.
type Transport interface {
	Reply(ctx context.Context, chatIdentity, text string) error
	SetPresence(ctx context.Context, chatIdentity string, p Presence) error
	// FetchAudio downloads the referenced audio to a temporary file and
	// returns its path. The caller removes the file.
	FetchAudio(ctx context.Context, audioRef string) (string, error)
}

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	Transport

	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins delivering events to h. It blocks until the context is canceled or a fatal error occurs.
	Start(ctx context.Context, h Handler) error
}
