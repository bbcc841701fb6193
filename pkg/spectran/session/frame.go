package session

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/norasector/spectran/pkg/util"
)

// RecordSeparator terminates the JSON header of every frame.
const RecordSeparator byte = 0x1e

// int8Scale maps full scale 1.0 onto the int8 wire range.
const int8Scale = 127

// maxFrameSamples bounds the payload allocation for a single frame.
const maxFrameSamples = 1 << 22

// Format selects the IQ encoding of the stream payload.
type Format string

const (
	FormatFloat32 Format = "float32"
	FormatInt8    Format = "int8"
)

func (f Format) Validate() error {
	switch f {
	case FormatFloat32, FormatInt8:
		return nil
	default:
		return errors.Errorf("unknown stream format %q", f)
	}
}

// BytesPerSample is the size of one IQ pair on the wire.
func (f Format) BytesPerSample() int {
	if f == FormatInt8 {
		return 2
	}
	return 8
}

// Header is the JSON record preceding each frame payload.
type Header struct {
	StartTime       float64 `json:"startTime,omitempty"`
	EndTime         float64 `json:"endTime,omitempty"`
	StartFrequency  float64 `json:"startFrequency,omitempty"`
	EndFrequency    float64 `json:"endFrequency,omitempty"`
	SampleFrequency float64 `json:"sampleFrequency,omitempty"`
	Samples         int     `json:"samples"`
	StartCounter    int64   `json:"startCounter,omitempty"`
	EndCounter      int64   `json:"endCounter,omitempty"`
	Payload         string  `json:"payload,omitempty"`
}

// Status holds device state as reported by a frame header. Zero fields were
// not reported.
type Status struct {
	CenterFrequency int64
	SampleRate      int64
}

// Frame is one decoded unit of the stream: a header plus the raw IQ payload.
type Frame struct {
	Header  Header
	format  Format
	payload []byte
}

// IsStatus reports whether the frame carries no samples.
func (f *Frame) IsStatus() bool {
	return f.Header.Samples == 0
}

func (f *Frame) Status() Status {
	var st Status
	if f.Header.StartFrequency != 0 || f.Header.EndFrequency != 0 {
		st.CenterFrequency = util.CenterFrequency(f.Header.StartFrequency, f.Header.EndFrequency)
	}
	if f.Header.SampleFrequency > 0 {
		st.SampleRate = util.RoundFrequency(f.Header.SampleFrequency)
	}
	return st
}

func (f *Frame) PayloadBytes() int {
	return len(f.payload)
}

// Decode returns the payload as a newly allocated slice of IQ pairs in wire order.
func (f *Frame) Decode() []complex64 {
	switch f.format {
	case FormatInt8:
		return DecodeInt8(f.payload)
	default:
		out := make([]complex64, len(f.payload)/8)
		for i := range out {
			re := math.Float32frombits(binary.LittleEndian.Uint32(f.payload[i*8:]))
			im := math.Float32frombits(binary.LittleEndian.Uint32(f.payload[i*8+4:]))
			out[i] = complex(re, im)
		}
		return out
	}
}

// ReadFrame reads a single frame from r.
func ReadFrame(r *bufio.Reader, format Format) (*Frame, error) {
	line, err := r.ReadBytes(RecordSeparator)
	if err != nil {
		if err == io.EOF && len(bytes.TrimSpace(line)) > 0 {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	line = bytes.TrimSpace(line[:len(line)-1])

	var hdr Header
	if err := json.Unmarshal(line, &hdr); err != nil {
		return nil, errors.Wrap(err, "decode frame header")
	}
	if hdr.Samples < 0 || hdr.Samples > maxFrameSamples {
		return nil, errors.Errorf("frame sample count %d out of range", hdr.Samples)
	}

	payload := make([]byte, hdr.Samples*format.BytesPerSample())
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "read frame payload")
	}

	return &Frame{Header: hdr, format: format, payload: payload}, nil
}

// WriteFrame encodes hdr and samples. hdr.Samples is overwritten with len(samples).
func WriteFrame(w io.Writer, hdr Header, samples []complex64, format Format) error {
	hdr.Samples = len(samples)
	if hdr.Payload == "" {
		hdr.Payload = "iq"
		if len(samples) == 0 {
			hdr.Payload = "status"
		}
	}

	encoded, err := json.Marshal(hdr)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Grow(len(encoded) + 2 + len(samples)*format.BytesPerSample())
	buf.Write(encoded)
	buf.WriteByte('\n')
	buf.WriteByte(RecordSeparator)

	for _, s := range samples {
		switch format {
		case FormatInt8:
			buf.WriteByte(byte(toInt8(real(s))))
			buf.WriteByte(byte(toInt8(imag(s))))
		default:
			var b [8]byte
			binary.LittleEndian.PutUint32(b[:4], math.Float32bits(real(s)))
			binary.LittleEndian.PutUint32(b[4:], math.Float32bits(imag(s)))
			buf.Write(b[:])
		}
	}

	_, err = buf.WriteTo(w)
	return err
}

// DecodeInt8 converts interleaved signed 8-bit I/Q bytes, I first, to samples
// on the float scale toInt8 encodes from. A trailing odd byte is ignored.
func DecodeInt8(p []byte) []complex64 {
	out := make([]complex64, len(p)/2)
	for i := range out {
		out[i] = complex(float32(int8(p[2*i]))/int8Scale, float32(int8(p[2*i+1]))/int8Scale)
	}
	return out
}

func toInt8(v float32) int8 {
	scaled := math.Round(float64(v) * int8Scale)
	if scaled > 127 {
		scaled = 127
	} else if scaled < -128 {
		scaled = -128
	}
	return int8(scaled)
}
