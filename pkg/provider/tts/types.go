package tts

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MrWong99/lifevoice/pkg/audio"
)

// VoiceProfile describes a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is an optional language hint for multilingual voices.
	Language string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default). Zero means
	// provider default.
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}

// Synthesis is an encoded audio clip returned by a provider.
type Synthesis struct {
	// Audio holds the raw response body.
	Audio []byte

	// ContentType is the media type of Audio, e.g. "audio/wav".
	ContentType string

	// Format is a hint for headerless encodings such as raw PCM. It may be
	// zero when the container carries its own format.
	Format audio.Format
}

// HTTPError is returned when a synthesis endpoint answers with a non-2xx
// status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("tts: http %d", e.StatusCode)
	}
	return fmt.Sprintf("tts: http %d: %s", e.StatusCode, e.Body)
}

// MaxAudioBytes is the default cap on a single synthesized clip.
const MaxAudioBytes = 32 << 20

// ErrAudioTooLarge is returned by [ReadAudio] for a response above its limit.
var ErrAudioTooLarge = errors.New("tts: audio response too large")

// ReadAudio reads r to the end. A body longer than limit bytes fails with
// [ErrAudioTooLarge] instead of being cut short.
func ReadAudio(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrAudioTooLarge, limit)
	}
	return data, nil
}

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

// CheckResponse returns an [*HTTPError] carrying the (truncated) body when
// resp has a non-2xx status, and nil otherwise. It does not close the body.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
