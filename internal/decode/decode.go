// Package decode turns the hex notifications sent by the accelerometer
// firmware into g-valued axis series.
//
// A notification carries up to three samples. Each sample is 12 hex digits
// (x, y, z as big-endian 16-bit two's-complement words) and the frame ends
// with a 4 hex digit trailer ("0d0a", the CRLF the firmware appends).
package decode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"vibranium/internal/model"
)

const (
	TrailerLen      = 4
	ChunkLen        = 12
	SamplesPerFrame = 3
	MaxPacketLen    = SamplesPerFrame*ChunkLen + TrailerLen
	Trailer         = "0d0a"
)

// Full-scale sensitivities of the sensor in counts per g for the ±2g, ±4g,
// ±8g and ±16g ranges.
var scaleFactors = [...]float64{16384, 8192, 4096, 2048}

var (
	ErrInvalidScale = errors.New("scale factor must be > 0")
	ErrShortPacket  = errors.New("packet shorter than trailer")
	ErrLongPacket   = errors.New("packet longer than three samples")
	ErrChunkLength  = errors.New("sample chunk is not 12 hex digits")
	ErrNotHex       = errors.New("non-hex character in packet")
)

// PacketError reports a packet that could not be decoded. Decode records it
// and moves on to the next packet.
type PacketError struct {
	Index  int
	Packet string
	Err    error
}

func (e *PacketError) Error() string {
	return fmt.Sprintf("decode packet %d (%q): %v", e.Index, e.Packet, e.Err)
}

func (e *PacketError) Unwrap() error { return e.Err }

type Result struct {
	Samples []model.Sample
	X       []float64
	Y       []float64
	Z       []float64
	Skipped []*PacketError
}

// Series returns the decoded g-values of one axis.
func (r Result) Series(a model.Axis) []float64 {
	switch a {
	case model.AxisY:
		return r.Y
	case model.AxisZ:
		return r.Z
	default:
		return r.X
	}
}

// ResolveScaleFactor maps the selector 0-3 onto the standard sensitivities.
// Larger values are taken as the divisor itself.
func ResolveScaleFactor(selector int) (float64, error) {
	if selector >= 0 && selector < len(scaleFactors) {
		return scaleFactors[selector], nil
	}
	if selector <= 0 {
		return 0, fmt.Errorf("%w: selector %d", ErrInvalidScale, selector)
	}
	return float64(selector), nil
}

// Decode converts packets, in arrival order, into samples and per-axis g
// series. Malformed packets are skipped and listed in Result.Skipped; the
// returned error is only set for an invalid scale factor.
func Decode(packets []string, scale float64) (Result, error) {
	if scale <= 0 {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidScale, scale)
	}
	res := Result{
		Samples: make([]model.Sample, 0, len(packets)*SamplesPerFrame),
		X:       make([]float64, 0, len(packets)*SamplesPerFrame),
		Y:       make([]float64, 0, len(packets)*SamplesPerFrame),
		Z:       make([]float64, 0, len(packets)*SamplesPerFrame),
	}
	for i, p := range packets {
		samples, err := DecodePacket(p)
		if err != nil {
			res.Skipped = append(res.Skipped, &PacketError{Index: i, Packet: p, Err: err})
			continue
		}
		for _, s := range samples {
			res.Samples = append(res.Samples, s)
			res.X = append(res.X, float64(s.X)/scale)
			res.Y = append(res.Y, float64(s.Y)/scale)
			res.Z = append(res.Z, float64(s.Z)/scale)
		}
	}
	return res, nil
}

// DecodePacket decodes one notification into raw samples. A packet holding
// only the trailer yields no samples.
func DecodePacket(packet string) ([]model.Sample, error) {
	if len(packet) < TrailerLen {
		return nil, ErrShortPacket
	}
	body := packet[:len(packet)-TrailerLen]
	if len(body) > SamplesPerFrame*ChunkLen {
		return nil, ErrLongPacket
	}
	out := make([]model.Sample, 0, SamplesPerFrame)
	for start := 0; start < len(body); start += ChunkLen {
		end := start + ChunkLen
		if end > len(body) {
			return nil, fmt.Errorf("%w: got %d", ErrChunkLength, len(body)-start)
		}
		s, err := decodeChunk(body[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeChunk(chunk string) (model.Sample, error) {
	var v [3]int16
	for i := range v {
		n, err := TwosComplement(chunk[i*4:(i+1)*4], 16)
		if err != nil {
			return model.Sample{}, err
		}
		v[i] = int16(n)
	}
	return model.Sample{X: v[0], Y: v[1], Z: v[2]}, nil
}

// TwosComplement interprets hex as a bits-wide two's-complement integer.
func TwosComplement(hex string, bits int) (int64, error) {
	if bits <= 0 || bits > 63 {
		return 0, fmt.Errorf("unsupported width %d", bits)
	}
	if hex == "" || strings.HasPrefix(hex, "+") || strings.HasPrefix(hex, "-") {
		return 0, fmt.Errorf("%w: %q", ErrNotHex, hex)
	}
	u, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNotHex, hex)
	}
	if u >= 1<<uint(bits) {
		return 0, fmt.Errorf("value 0x%s exceeds %d bits", hex, bits)
	}
	v := int64(u)
	if v&(1<<uint(bits-1)) != 0 {
		v -= 1 << uint(bits)
	}
	return v, nil
}

// Encode renders a sample as the 12 hex digit chunk the firmware sends.
func Encode(s model.Sample) string {
	return fmt.Sprintf("%04x%04x%04x", uint16(s.X), uint16(s.Y), uint16(s.Z))
}

// EncodePacket renders up to three samples followed by the trailer.
func EncodePacket(samples ...model.Sample) string {
	var b strings.Builder
	b.Grow(MaxPacketLen)
	for _, s := range samples {
		b.WriteString(Encode(s))
	}
	b.WriteString(Trailer)
	return b.String()
}

// Frame splits samples into packets the way the firmware does: full frames of
// three samples and a final short frame for the remainder.
func Frame(samples []model.Sample) []string {
	out := make([]string, 0, (len(samples)+SamplesPerFrame-1)/SamplesPerFrame)
	for start := 0; start < len(samples); start += SamplesPerFrame {
		end := min(start+SamplesPerFrame, len(samples))
		out = append(out, EncodePacket(samples[start:end]...))
	}
	return out
}
