package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Format hints accepted by Reencode.
const (
	FormatPCM  = "pcm"  // raw PCM16LE mono samples
	FormatWAV  = "wav"  // already a WAV container
	FormatWebM = "webm" // browser MediaRecorder container, passed through
)

// DefaultSampleRate is the sample rate assumed for raw PCM uploads.
const DefaultSampleRate = 16000

// wavHeader is the 44-byte canonical RIFF/WAVE header for PCM data.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // number of bytes in the data
}

// EncodeWAV wraps raw PCM16LE mono bytes in a WAV container.
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio data")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	numChannels := uint16(1)
	bitsPerSample := uint16(16)
	dataSize := uint32(len(pcm))

	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	if _, err := buf.Write(pcm); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

var (
	riffMagic = []byte("RIFF")
	webmMagic = []byte{0x1A, 0x45, 0xDF, 0xA3} // EBML header
)

// DetectFormat sniffs the container magic of an audio blob, falling back to
// raw PCM when no known container is recognized.
func DetectFormat(data []byte) string {
	if len(data) >= 4 {
		if bytes.Equal(data[:4], riffMagic) {
			return FormatWAV
		}
		if bytes.Equal(data[:4], webmMagic) {
			return FormatWebM
		}
	}
	return FormatPCM
}

// Reencode converts a raw accumulated audio buffer into a container the
// speech-to-text engine can decode. Data already carrying a container header
// passes through unchanged; raw PCM is wrapped in a WAV container at the
// default sample rate.
func Reencode(data []byte, formatHint string) ([]byte, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("cannot re-encode empty audio data")
	}

	format := formatHint
	if format == "" {
		format = DetectFormat(data)
	}

	switch format {
	case FormatWAV, FormatWebM:
		return data, format, nil
	case FormatPCM:
		encoded, err := EncodeWAV(data, DefaultSampleRate)
		if err != nil {
			return nil, "", err
		}
		return encoded, FormatWAV, nil
	default:
		return nil, "", fmt.Errorf("unsupported audio format %q", format)
	}
}
