// Package canmotor drives smart motor controllers and absolute encoders over SocketCAN.
package canmotor

import (
	"math"

	"github.com/pkg/errors"
)

const bitsPerByte = 8

// Signal describes where a scaled integer lives inside a CAN payload.
// Physical value = raw*Scale + Offset. Signals are limited to 32 bits.
type Signal struct {
	Scale        float64
	Offset       float64
	Start        uint // least significant bit
	Length       uint // in bits
	LittleEndian bool
	Signed       bool
}

func (s Signal) msb() uint { return s.Start + s.Length - 1 }

func (s Signal) validate(data []byte) error {
	if s.Length == 0 || s.Length > 32 {
		return errors.Errorf("signal length %d outside [1, 32]", s.Length)
	}
	if need := int(s.msb()/bitsPerByte) + 1; len(data) < need {
		return errors.Errorf("payload has %d bytes, signal needs %d", len(data), need)
	}
	return nil
}

// byteMask selects the bits of byte byteNum that belong to the signal spanning lsb..msb.
func byteMask(byteNum, lsb, msb uint) byte {
	first := byteNum * bitsPerByte
	lo, hi := uint(0), uint(bitsPerByte-1)
	if lsb > first {
		lo = lsb - first
	}
	if msb < first+bitsPerByte-1 {
		hi = msb - first
	}
	return byte((uint16(0xFF) << (hi + 1)) ^ (uint16(0xFF) << lo))
}

func (s Signal) byteShift(i, first, last uint) uint {
	if s.LittleEndian {
		return i - first
	}
	return last - i
}

// Extract reads the signal's physical value from data.
func (s Signal) Extract(data []byte) (float64, error) {
	if err := s.validate(data); err != nil {
		return 0, err
	}
	first, last := s.Start/bitsPerByte, s.msb()/bitsPerByte

	var raw uint64
	for i := first; i <= last; i++ {
		masked := uint64(byteMask(i, s.Start, s.msb()) & data[i])
		raw |= masked << (s.byteShift(i, first, last) * bitsPerByte)
	}
	raw >>= s.Start - first*bitsPerByte
	raw &= 1<<s.Length - 1

	var value float64
	if s.Signed && raw&(1<<(s.Length-1)) != 0 {
		raw |= math.MaxUint64 << s.Length
		value = float64(int64(raw))
	} else {
		value = float64(raw)
	}
	return value*s.Scale + s.Offset, nil
}

// Encode writes value into data, leaving bits outside the signal untouched.
// Values beyond the signal's range saturate.
func (s Signal) Encode(data []byte, value float64) error {
	if err := s.validate(data); err != nil {
		return err
	}
	if s.Scale == 0 {
		return errors.New("signal scale must be non-zero")
	}
	lo, hi := 0.0, float64(uint64(1)<<s.Length-1)
	if s.Signed {
		lo, hi = -float64(uint64(1)<<(s.Length-1)), float64(uint64(1)<<(s.Length-1)-1)
	}
	scaled := math.Round((value - s.Offset) / s.Scale)
	if math.IsNaN(scaled) {
		return errors.New("cannot encode NaN")
	}
	scaled = math.Max(lo, math.Min(hi, scaled))

	raw := uint64(int64(scaled)) & (1<<s.Length - 1)
	first, last := s.Start/bitsPerByte, s.msb()/bitsPerByte
	raw <<= s.Start - first*bitsPerByte
	for i := first; i <= last; i++ {
		mask := byteMask(i, s.Start, s.msb())
		b := byte(raw >> (s.byteShift(i, first, last) * bitsPerByte))
		data[i] = data[i]&^mask | b&mask
	}
	return nil
}
