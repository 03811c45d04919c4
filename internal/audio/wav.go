package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DefaultSampleRate is the rate clients record at: 16 kHz mono PCM16LE.
const DefaultSampleRate = 16000

type wavFormat struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// WrapPCM16 puts raw PCM16LE mono bytes into a WAV container. The
// transcription backends take WAV uploads, while the wire protocol carries
// bare PCM fragments.
func WrapPCM16(pcm []byte, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	format := wavFormat{
		AudioFormat:   1, // PCM
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * 2),
		BlockAlign:    2,
		BitsPerSample: 16,
	}

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	if err := binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm))); err != nil {
		return nil, err
	}
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	if err := binary.Write(&buf, binary.LittleEndian, uint32(16)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, format); err != nil {
		return nil, err
	}
	buf.WriteString("data")
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(pcm))); err != nil {
		return nil, err
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// UnwrapPCM16 extracts the PCM16LE payload and sample rate from a WAV
// stream produced by WrapPCM16 or any single-data-chunk PCM WAV file.
func UnwrapPCM16(wav []byte) ([]byte, int, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a RIFF/WAVE stream")
	}

	var format wavFormat
	var data []byte
	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))
		body := wav[offset+8:]
		if size > len(body) {
			return nil, 0, fmt.Errorf("truncated %q chunk", id)
		}
		switch id {
		case "fmt ":
			if err := binary.Read(bytes.NewReader(body[:size]), binary.LittleEndian, &format); err != nil {
				return nil, 0, fmt.Errorf("read fmt chunk: %w", err)
			}
		case "data":
			data = body[:size]
		}
		// Chunks are word aligned.
		offset += 8 + size + size%2
	}

	if format.SampleRate == 0 {
		return nil, 0, fmt.Errorf("missing fmt chunk")
	}
	if format.AudioFormat != 1 || format.BitsPerSample != 16 {
		return nil, 0, fmt.Errorf("unsupported format: audio_format=%d bits=%d", format.AudioFormat, format.BitsPerSample)
	}
	if data == nil {
		return nil, 0, fmt.Errorf("missing data chunk")
	}
	return data, int(format.SampleRate), nil
}
