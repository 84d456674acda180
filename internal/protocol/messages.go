package protocol

import "time"

// SynthRequest asks a vocoder worker to synthesize one utterance.
type SynthRequest struct {
	UtteranceID string `json:"utterance_id"`
	// Features is the row-major feature matrix, Width values per frame.
	Features []float32 `json:"features"`
	Width    int       `json:"width,omitempty"`
	// ResetMask, when present, has one flag per frame and takes precedence
	// over ResetMode.
	ResetMask []bool  `json:"reset_mask,omitempty"`
	ResetMode string  `json:"reset_mode,omitempty"`
	Blend     string  `json:"blend,omitempty"`
	Seed      *uint64 `json:"seed,omitempty"`
	Target    string  `json:"target,omitempty"`
}

// AudioChunk carries little-endian 16-bit PCM for a run of frames.
type AudioChunk struct {
	UtteranceID string `json:"utterance_id"`
	Target      string `json:"target,omitempty"`
	Sequence    int    `json:"sequence"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	PCM         []byte `json:"pcm"`
	FirstFrame  int    `json:"first_frame"`
	Frames      int    `json:"frames"`
	Final       bool   `json:"final"`
}

// SynthStatus closes an utterance. Error is empty on success.
type SynthStatus struct {
	UtteranceID string    `json:"utterance_id"`
	Target      string    `json:"target,omitempty"`
	Completed   bool      `json:"completed"`
	Error       string    `json:"error,omitempty"`
	Frames      int       `json:"frames"`
	Samples     int       `json:"samples"`
	Resets      []int     `json:"resets,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectSynthRequest = "vocoder.request"
	SubjectAudioChunk   = "vocoder.audio"
	SubjectSynthDone    = "vocoder.done"
)
