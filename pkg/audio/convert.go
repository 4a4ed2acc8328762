package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// ConvertBuffer returns buf converted to target. The source is returned
// as-is when the formats already match or when either side is unknown.
// Resampling happens before channel conversion so that a stereo clip bound
// for a mono device is never resampled twice.
func ConvertBuffer(buf Buffer, target Format) Buffer {
	if target.IsZero() || buf.Format.IsZero() || buf.Format == target {
		return buf
	}
	return Buffer{PCM: convertPCM(buf.PCM, buf.Format, target), Format: target}
}

// FrameConverter converts captured frames to a fixed target format. It logs
// once on the first mismatch and once on the first misaligned frame. Use one
// converter per stream; it is not safe for concurrent use.
type FrameConverter struct {
	Target Format

	mismatch sync.Once
	corrupt  sync.Once
}

// Convert returns frame in the target format. Frames with an odd byte count
// come back with nil Data and should be skipped.
func (c *FrameConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		c.corrupt.Do(func() {
			slog.Warn("audio: odd byte count in captured frame, dropping", "bytes", len(frame.Data))
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	src := frame.Format()
	if c.Target.IsZero() || src == c.Target {
		return frame
	}
	c.mismatch.Do(func() {
		slog.Info("audio: converting capture format", "from", src.String(), "to", c.Target.String())
	})
	return AudioFrame{
		Data:       convertPCM(frame.Data, src, c.Target),
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

func convertPCM(pcm []byte, from, to Format) []byte {
	if from.SampleRate != to.SampleRate {
		pcm = Resample16(pcm, from.Channels, from.SampleRate, to.SampleRate)
	}
	switch {
	case from.Channels == to.Channels:
	case from.Channels == 1 && to.Channels == 2:
		pcm = MonoToStereo(pcm)
	case from.Channels == 2 && to.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return pcm
}

// String renders f as e.g. "16000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

func sample(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func putSample(pcm []byte, i int, v int16) {
	pcm[i*2] = byte(v)
	pcm[i*2+1] = byte(v >> 8)
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		v := sample(pcm, i)
		putSample(out, 2*i, v)
		putSample(out, 2*i+1, v)
	}
	return out
}

// StereoToMono averages each L+R pair into one mono sample.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		avg := (int32(sample(pcm, 2*i)) + int32(sample(pcm, 2*i+1))) / 2
		putSample(out, i, int16(avg))
	}
	return out
}

// Resample16 converts interleaved 16-bit PCM with the given channel count
// from srcRate to dstRate by linear interpolation. Invalid rates or an
// unchanged rate return the input untouched.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(sample(pcm, idx*channels+ch))
			s1 := float64(sample(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}
