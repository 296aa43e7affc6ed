package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	FrameHeaderLen = 18
	MaxChannels    = 1024
)

var (
	ErrShortFrame   = errors.New("telemetry: short frame")
	ErrChannelCount = errors.New("telemetry: invalid channel count")
)

// Frame is one raw stream record. Counter 0 marks a metadata frame whose
// values are the signal indices assigned to each stream channel.
type Frame struct {
	Channels     int32
	Oversampling float32
	Counter      uint64
	State        uint16
	Values       []float32
}

func (f Frame) IsMetadata() bool {
	return f.Counter == 0
}

// ReadFrame reads one frame: i32 channel count, f32 oversampling, u64
// counter, u16 state, then one big-endian f32 per channel.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortFrame
		}
		return Frame{}, err
	}
	f := Frame{
		Channels:     int32(binary.BigEndian.Uint32(hdr[0:4])),
		Oversampling: math.Float32frombits(binary.BigEndian.Uint32(hdr[4:8])),
		Counter:      binary.BigEndian.Uint64(hdr[8:16]),
		State:        binary.BigEndian.Uint16(hdr[16:18]),
	}
	if f.Channels < 0 || f.Channels > MaxChannels {
		return Frame{}, fmt.Errorf("%w: %d", ErrChannelCount, f.Channels)
	}
	raw := make([]byte, 4*int(f.Channels))
	if _, err := io.ReadFull(r, raw); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortFrame
		}
		return Frame{}, err
	}
	f.Values = make([]float32, f.Channels)
	for i := range f.Values {
		f.Values[i] = math.Float32frombits(binary.BigEndian.Uint32(raw[4*i:]))
	}
	return f, nil
}

// EncodeFrame is the inverse of ReadFrame. Channels is taken from len(Values).
func EncodeFrame(f Frame) []byte {
	buf := make([]byte, FrameHeaderLen, FrameHeaderLen+4*len(f.Values))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(f.Values)))
	binary.BigEndian.PutUint32(buf[4:8], math.Float32bits(f.Oversampling))
	binary.BigEndian.PutUint64(buf[8:16], f.Counter)
	binary.BigEndian.PutUint16(buf[16:18], f.State)
	for _, v := range f.Values {
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}
