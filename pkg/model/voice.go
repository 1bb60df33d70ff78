package model

// Audio formats the client can send in voice_audio_data frames.
const (
	VoiceFormatPCM16 = "pcm16"
	VoiceFormatOpus  = "opus"
)

// VoiceSessionConfig configures a realtime voice session.
// SessionID may be left empty; the client generates one.
type VoiceSessionConfig struct {
	SessionID          string `json:"session_id,omitempty"`
	Voice              string `json:"voice,omitempty"` // server-side TTS voice
	InputFormat        string `json:"input_audio_format,omitempty"`
	TranslationEnabled bool   `json:"translation_enabled,omitempty"`
	SourceLanguage     string `json:"source_language,omitempty"`
	TargetLanguage     string `json:"target_language,omitempty"`
}

// VoiceResponse is delivered via the voice_response event after the server
// processed an audio frame.
type VoiceResponse struct {
	SessionID      string `json:"session_id"`
	Transcription  string `json:"transcription,omitempty"`
	TranslatedText string `json:"translated_text,omitempty"`
	ResponseText   string `json:"response_text,omitempty"`
	ResponseAudio  string `json:"response_audio,omitempty"` // base64
	Timestamp      string `json:"timestamp,omitempty"`
}
