// Package wire defines the JSON messages exchanged with caption clients.
//
// Every server→client message is a single [Message] encoded as one WebSocket
// text frame. Clients send audio either as raw binary frames or as [Control]
// text frames carrying base64 PCM.
package wire

// Message types emitted by the server.
const (
	TypeSessionStarted       = "session_started"
	TypeConfirmedTranscript  = "confirmed_transcript"
	TypePartialTranscript    = "partial_transcript"
	TypeConfirmedTranslation = "confirmed_translation"
	TypePartialTranslation   = "partial_translation"
	TypeError                = "error"
)

// Error kinds carried by [TypeError] messages.
const (
	ErrASRTransient         = "asr_transient"
	ErrASRFatal             = "asr_fatal"
	ErrTranslationTransient = "translation_transient"
	ErrTranslationFatal     = "translation_fatal"
)

// Message is a single server→client frame. Type is always set; the other
// fields are populated per type:
//
//   - session_started: SessionID
//   - confirmed_transcript, partial_transcript, confirmed_translation,
//     partial_translation: Speaker, Text
//   - error: Kind, Detail, and Speaker when the error is speaker-scoped
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Speaker   string `json:"speaker,omitempty"`
	Text      string `json:"text,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// SessionStarted announces that the upstream recognizer accepted the stream
// and audio may flow.
func SessionStarted(sessionID string) Message {
	return Message{Type: TypeSessionStarted, SessionID: sessionID}
}

// ConfirmedTranscript carries a sealed source-language sentence. Sealed text
// is immutable; the same words are never re-sent.
func ConfirmedTranscript(speaker, text string) Message {
	return Message{Type: TypeConfirmedTranscript, Speaker: speaker, Text: text}
}

// PartialTranscript carries the speaker's current unsealed tail. Each one
// replaces the previous partial for that speaker.
func PartialTranscript(speaker, text string) Message {
	return Message{Type: TypePartialTranscript, Speaker: speaker, Text: text}
}

// ConfirmedTranslation carries the translation of one sealed sentence, in
// seal order per speaker.
func ConfirmedTranslation(speaker, text string) Message {
	return Message{Type: TypeConfirmedTranslation, Speaker: speaker, Text: text}
}

// PartialTranslation carries a provisional translation of the unsealed tail.
// Each one replaces the previous partial translation for that speaker.
func PartialTranslation(speaker, text string) Message {
	return Message{Type: TypePartialTranslation, Speaker: speaker, Text: text}
}

// Error reports a session-scoped failure.
func Error(kind, detail string) Message {
	return Message{Type: TypeError, Kind: kind, Detail: detail}
}

// SpeakerError reports a failure scoped to one speaker's pipeline.
func SpeakerError(speaker, kind, detail string) Message {
	return Message{Type: TypeError, Speaker: speaker, Kind: kind, Detail: detail}
}

// Control message types accepted from clients.
const (
	ControlAudioChunk = "audio_chunk"
	ControlEndStream  = "end_stream"
)

// Control is a client→server text frame. Binary frames carry raw PCM16 and
// need no envelope; AudioBase64 is the JSON alternative for clients that
// cannot send binary frames.
type Control struct {
	Type        string `json:"type"`
	AudioBase64 string `json:"audio_base_64,omitempty"`
}
