package miniaudio

import "github.com/MrWong99/lifevoice/pkg/audio"

// Platform exposes a [Context] as an [audio.Platform].
type Platform struct {
	*Context
}

var _ audio.Platform = Platform{}

// NewPlatform initialises the default backend.
func NewPlatform() (Platform, error) {
	ctx, err := NewContext()
	if err != nil {
		return Platform{}, err
	}
	return Platform{Context: ctx}, nil
}

// OpenCapture implements [audio.Platform].
func (p Platform) OpenCapture(f audio.Format) (audio.CaptureDevice, error) {
	return p.Capture(f), nil
}

// OpenOutput implements [audio.Platform].
func (p Platform) OpenOutput(f audio.Format) (audio.OutputDevice, error) {
	out, err := p.Output(f)
	if err != nil {
		return nil, err
	}
	return out, nil
}
