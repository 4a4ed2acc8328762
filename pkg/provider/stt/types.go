package stt

import "time"

// Transcript is a recognition result. Both partial and final results use it.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal distinguishes committed results from interim guesses.
	IsFinal bool

	// Confidence is the overall score in [0, 1]. Zero if not reported.
	Confidence float64

	// Words contains per-word detail when the provider supports it.
	Words []WordDetail

	// Timestamp marks when the fragment started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the fragment.
	Duration time.Duration
}

// WordDetail holds per-word metadata.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost is a recognition hint for an uncommon word.
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the provider-specific intensity.
	Boost float64
}
