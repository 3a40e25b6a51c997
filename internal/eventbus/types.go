package eventbus

import "time"

// Topic identifies a logical channel on the bus.
type Topic string

// Standard topics.
const (
	TopicCallsLifecycle  Topic = "calls.lifecycle"
	TopicCallsError      Topic = "calls.error"
	TopicCallsAudio      Topic = "calls.audio"
	TopicProfileOverride Topic = "profile.override"
)

// Source describes which component produced an event.
type Source string

const (
	SourceRegistry       Source = "session_registry"
	SourceCallSession    Source = "call_session"
	SourceAudioPipeline  Source = "audio_pipeline"
	SourceProfileManager Source = "profile_manager"
	SourceServer         Source = "api_server"
	SourceUnknown        Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       any
}

// CallState summarises a call session's lifecycle position.
type CallState string

const (
	CallStateStarting CallState = "starting"
	CallStateRinging  CallState = "ringing"
	CallStateInCall   CallState = "in_call"
	CallStateEnding   CallState = "ending"
	CallStateEnded    CallState = "ended"
	CallStateError    CallState = "error"
)

// Terminal reports whether the state is final for a session.
func (s CallState) Terminal() bool {
	return s == CallStateEnded || s == CallStateError
}

// CallLifecycleEvent notifies consumers about call state transitions. The
// struct is also serialised onto the WebSocket status stream.
type CallLifecycleEvent struct {
	Identity  string    `json:"identity"`
	SessionID string    `json:"session_id"`
	Peer      string    `json:"peer,omitempty"`
	Topic     string    `json:"topic,omitempty"`
	State     CallState `json:"state"`
	Error     string    `json:"error,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// CallErrorEvent records a failure observed while driving a call. Recoverable
// errors (profile override, restore) do not change the session state.
type CallErrorEvent struct {
	Identity    string `json:"identity"`
	SessionID   string `json:"session_id"`
	Stage       string `json:"stage"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// AudioEncoding identifies the codec of an audio stream.
type AudioEncoding string

const (
	AudioEncodingPCM16 AudioEncoding = "pcm_s16le"
	AudioEncodingMP3   AudioEncoding = "mp3"
)

// AudioFormat describes the characteristics of an audio buffer.
type AudioFormat struct {
	Encoding   AudioEncoding `json:"encoding"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	BitDepth   int           `json:"bit_depth"`
}

// CallAudioEvent reports playback activity inside an established call.
type CallAudioEvent struct {
	Identity  string        `json:"identity"`
	SessionID string        `json:"session_id"`
	Format    AudioFormat   `json:"format"`
	Duration  time.Duration `json:"duration"`
	Final     bool          `json:"final"`
}

// ProfileOverrideEvent is emitted when a caller's display identity is swapped
// for the duration of a call, and again when it is restored.
type ProfileOverrideEvent struct {
	Identity  string `json:"identity"`
	SessionID string `json:"session_id"`
	Name      string `json:"name,omitempty"`
	PhotoPath string `json:"photo_path,omitempty"`
	Applied   bool   `json:"applied"`
	Restored  bool   `json:"restored"`
}

// Calls groups the typed topic descriptors for call events.
var Calls = struct {
	Lifecycle TopicDef[CallLifecycleEvent]
	Error     TopicDef[CallErrorEvent]
	Audio     TopicDef[CallAudioEvent]
}{
	Lifecycle: NewTopicDef[CallLifecycleEvent](TopicCallsLifecycle),
	Error:     NewTopicDef[CallErrorEvent](TopicCallsError),
	Audio:     NewTopicDef[CallAudioEvent](TopicCallsAudio),
}

// Profile groups the typed topic descriptors for identity presentation events.
var Profile = struct {
	Override TopicDef[ProfileOverrideEvent]
}{
	Override: NewTopicDef[ProfileOverrideEvent](TopicProfileOverride),
}
