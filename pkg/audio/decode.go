package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
)

// ErrUnsupportedFormat is returned by [Decode] for encodings it cannot turn
// into 16-bit PCM.
var ErrUnsupportedFormat = errors.New("audio: unsupported format")

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// Decode turns a synthesised clip into a playable [Buffer].
//
// WAV containers (RIFF/WAVE with 16-bit PCM) are detected by their header
// regardless of contentType. Otherwise contentType selects the decoder:
// "audio/pcm", "audio/l16" and "application/octet-stream" are treated as raw
// PCM in the format given by the media type parameters ("rate", "channels")
// or, when absent, by hint.
func Decode(data []byte, contentType string, hint Format) (Buffer, error) {
	if len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE" {
		return decodeWAV(data)
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil && contentType != "" {
		return Buffer{}, fmt.Errorf("audio: parse content type %q: %w", contentType, err)
	}

	switch strings.ToLower(mediaType) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		// Header check above failed, so the body is not a WAV file.
		return Buffer{}, errors.New("audio: wav body missing RIFF/WAVE header")
	case "audio/pcm", "audio/l16", "application/octet-stream", "":
		f := hint
		if v, ok := params["rate"]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				f.SampleRate = n
			}
		}
		if v, ok := params["channels"]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				f.Channels = n
			}
		}
		if f.SampleRate <= 0 || f.Channels <= 0 {
			return Buffer{}, fmt.Errorf("audio: raw pcm without a known format: %w", ErrUnsupportedFormat)
		}
		if len(data)%(2*f.Channels) != 0 {
			data = data[:len(data)-len(data)%(2*f.Channels)]
		}
		return Buffer{PCM: data, Format: f}, nil
	default:
		return Buffer{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mediaType)
	}
}

// decodeWAV walks the RIFF chunks instead of assuming a 44-byte header
// because encoders emit optional chunks (LIST, fact) before "data".
func decodeWAV(wav []byte) (Buffer, error) {
	var (
		f        Format
		foundFmt bool
	)
	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(wav) {
				return Buffer{}, errors.New("audio: wav fmt chunk truncated")
			}
			tag := binary.LittleEndian.Uint16(wav[body : body+2])
			bits := binary.LittleEndian.Uint16(wav[body+14 : body+16])
			if (tag != wavFormatPCM && tag != wavFormatExtensible) || bits != 16 {
				return Buffer{}, fmt.Errorf("%w: wav format tag %d, %d bits", ErrUnsupportedFormat, tag, bits)
			}
			f.Channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return Buffer{}, errors.New("audio: wav data chunk before fmt chunk")
			}
			end := body + size
			// Streaming encoders write 0 or 0xFFFFFFFF when the length is unknown.
			if size == 0 || end > len(wav) || end < body {
				end = len(wav)
			}
			pcm := wav[body:end]
			if frame := 2 * f.Channels; frame > 0 && len(pcm)%frame != 0 {
				pcm = pcm[:len(pcm)-len(pcm)%frame]
			}
			return Buffer{PCM: pcm, Format: f}, nil
		}

		offset = body + size
		if size%2 != 0 {
			offset++
		}
	}
	return Buffer{}, errors.New("audio: wav missing data chunk")
}

// EncodeWAV wraps 16-bit PCM in a minimal RIFF/WAVE container.
func EncodeWAV(buf Buffer) []byte {
	dataLen := len(buf.PCM)
	out := make([]byte, 44+dataLen)
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataLen))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(out[22:24], uint16(buf.Format.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(buf.Format.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(buf.Format.BytesPerSecond()))
	binary.LittleEndian.PutUint16(out[32:34], uint16(buf.Format.Channels*2))
	binary.LittleEndian.PutUint16(out[34:36], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataLen))
	copy(out[44:], buf.PCM)
	return out
}
