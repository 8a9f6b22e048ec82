package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// WAV format tags
const (
	formatPCM        = 0x0001
	formatIEEEFloat  = 0x0003
	formatExtensible = 0xFFFE
)

// WAVHeader represents the canonical 44-byte header written by EncodeWAV
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// PCM holds decoded, interleaved samples normalized to [-1, 1]
type PCM struct {
	Samples    []float64
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel)
func (p *PCM) Frames() int {
	if p.Channels == 0 {
		return 0
	}
	return len(p.Samples) / p.Channels
}

// Duration returns the playback duration
func (p *PCM) Duration() time.Duration {
	if p.SampleRate == 0 {
		return 0
	}
	return time.Duration(float64(p.Frames()) / float64(p.SampleRate) * float64(time.Second))
}

// WAVInfo describes a WAV file without its samples
type WAVInfo struct {
	AudioFormat   uint16  `json:"audio_format"`
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"` // per channel
}

// wavLayout is the result of walking the RIFF chunk list
type wavLayout struct {
	info WAVInfo
	data []byte
}

// EncodeWAV encodes interleaved PCM-16 samples into WAV format
func EncodeWAV(samples []int16, sampleRate, channels int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	if channels <= 0 || channels > math.MaxUint16 {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}

	if len(samples)%channels != 0 {
		return nil, fmt.Errorf("sample count %d is not a multiple of %d channels", len(samples), channels)
	}

	numChannels := uint16(channels)
	bitsPerSample := uint16(16)
	dataSize := uint32(len(samples) * 2)
	fileSize := 36 + dataSize

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     fileSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   formatPCM,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(samples)*2))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeWAV decodes a RIFF/WAVE file into normalized float samples.
// Integer PCM (8, 16, 24, 32 bit), IEEE float (32, 64 bit) and
// WAVE_FORMAT_EXTENSIBLE wrappers of those are supported.
func DecodeWAV(data []byte) (*PCM, error) {
	layout, err := parseWAV(data)
	if err != nil {
		return nil, err
	}

	info := layout.info
	bytesPerSample := int(info.BitsPerSample) / 8
	channels := int(info.Channels)

	numSamples := len(layout.data) / bytesPerSample
	numSamples -= numSamples % channels
	if numSamples == 0 {
		return nil, fmt.Errorf("no audio data found")
	}

	samples := make([]float64, numSamples)
	raw := layout.data

	switch {
	case info.AudioFormat == formatPCM && info.BitsPerSample == 8:
		for i := range samples {
			samples[i] = (float64(raw[i]) - 128) / 128
		}
	case info.AudioFormat == formatPCM && info.BitsPerSample == 16:
		for i := range samples {
			samples[i] = float64(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768
		}
	case info.AudioFormat == formatPCM && info.BitsPerSample == 24:
		for i := range samples {
			b := raw[i*3:]
			v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
			if v&0x800000 != 0 {
				v |= ^0xFFFFFF
			}
			samples[i] = float64(v) / 8388608
		}
	case info.AudioFormat == formatPCM && info.BitsPerSample == 32:
		for i := range samples {
			samples[i] = float64(int32(binary.LittleEndian.Uint32(raw[i*4:]))) / 2147483648
		}
	case info.AudioFormat == formatIEEEFloat && info.BitsPerSample == 32:
		for i := range samples {
			samples[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	case info.AudioFormat == formatIEEEFloat && info.BitsPerSample == 64:
		for i := range samples {
			samples[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	default:
		return nil, fmt.Errorf("unsupported sample encoding: format %d with %d bits", info.AudioFormat, info.BitsPerSample)
	}

	return &PCM{
		Samples:    samples,
		SampleRate: int(info.SampleRate),
		Channels:   channels,
	}, nil
}

// GetWAVInfo extracts metadata from a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	layout, err := parseWAV(data)
	if err != nil {
		return nil, err
	}
	info := layout.info
	return &info, nil
}

// parseWAV walks the chunk list and checks the fmt chunk against what DecodeWAV supports
func parseWAV(data []byte) (*wavLayout, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("WAV data too short: need at least 12 bytes, got %d", len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var (
		layout  wavLayout
		haveFmt bool
		haveDat bool
	)

	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := data[off+8:]
		if size < 0 || size > len(body) {
			// Streamed writers leave the size unset; take what is there
			size = len(body)
		}
		body = body[:size]

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("invalid WAV file: fmt chunk too short (%d bytes)", size)
			}
			layout.info.AudioFormat = binary.LittleEndian.Uint16(body[0:2])
			layout.info.Channels = binary.LittleEndian.Uint16(body[2:4])
			layout.info.SampleRate = binary.LittleEndian.Uint32(body[4:8])
			layout.info.BitsPerSample = binary.LittleEndian.Uint16(body[14:16])
			if layout.info.AudioFormat == formatExtensible {
				if size < 26 {
					return nil, fmt.Errorf("invalid WAV file: extensible fmt chunk too short (%d bytes)", size)
				}
				// First two bytes of the sub-format GUID carry the real tag
				layout.info.AudioFormat = binary.LittleEndian.Uint16(body[24:26])
			}
			haveFmt = true
		case "data":
			layout.data = body
			haveDat = true
		}

		off += 8 + size
		if size%2 == 1 {
			off++
		}
	}

	if !haveFmt {
		return nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if !haveDat {
		return nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}

	info := &layout.info
	if info.AudioFormat != formatPCM && info.AudioFormat != formatIEEEFloat {
		return nil, fmt.Errorf("unsupported audio format: %d (only PCM and IEEE float are supported)", info.AudioFormat)
	}

	if info.Channels == 0 {
		return nil, fmt.Errorf("invalid WAV file: zero channels")
	}

	if info.SampleRate == 0 {
		return nil, fmt.Errorf("invalid sample rate: 0")
	}

	switch info.BitsPerSample {
	case 8, 16, 24, 32, 64:
	default:
		return nil, fmt.Errorf("unsupported bit depth: %d", info.BitsPerSample)
	}

	frameBytes := uint32(info.BitsPerSample/8) * uint32(info.Channels)
	info.DataSize = uint32(len(layout.data))
	info.NumSamples = info.DataSize / frameBytes
	info.Duration = float64(info.NumSamples) / float64(info.SampleRate)

	return &layout, nil
}
