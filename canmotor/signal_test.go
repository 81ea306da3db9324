package canmotor

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"go.viam.com/test"
)

func TestSignalExtract(t *testing.T) {
	wheelSpeed := Signal{Scale: 0.0078125, Start: 16, Length: 16, LittleEndian: true, Signed: true}
	for _, tc := range []struct {
		name string
		sig  Signal
		data []byte
		want float64
	}{
		{"positive", wheelSpeed, []byte{0, 0, 0x80, 0x00, 0, 0, 0, 0}, 1},
		{"negative", wheelSpeed, []byte{0, 0, 0x80, 0xFF, 0, 0, 0, 0}, -1},
		{"unsigned", Signal{Scale: 0.1, Start: 0, Length: 16, LittleEndian: true}, []byte{0xE8, 0x03}, 100},
		{"unaligned", Signal{Scale: 1, Start: 4, Length: 8, LittleEndian: true}, []byte{0xA7, 0xF5}, 0x5A},
		{"unaligned signed", Signal{Scale: 1, Start: 4, Length: 8, LittleEndian: true, Signed: true}, []byte{0x0F, 0x08}, -128},
		{"big endian", Signal{Scale: 1, Start: 0, Length: 16}, []byte{0x01, 0x02}, 0x0102},
		{"offset", Signal{Scale: 2, Offset: -40, Start: 8, Length: 8, LittleEndian: true}, []byte{0, 30}, 20},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.sig.Extract(tc.data)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, got, test.ShouldAlmostEqual, tc.want, 1e-9)
		})
	}
}

func TestSignalErrors(t *testing.T) {
	_, err := Signal{Scale: 1, Start: 0, Length: 0}.Extract(make([]byte, 8))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = Signal{Scale: 1, Start: 0, Length: 40}.Extract(make([]byte, 8))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = signalPower.Extract(make([]byte, 4))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, Signal{Scale: 0, Length: 8}.Encode(make([]byte, 1), 1), test.ShouldNotBeNil)
	test.That(t, signalMode.Encode(make([]byte, 1), math.NaN()), test.ShouldNotBeNil)
}

// The steering scalar matches the one the vehicle controller expects for angles.
func TestSignalEncodeAngle(t *testing.T) {
	steer := Signal{Scale: 0.0078125, Start: 32, Length: 16, LittleEndian: true, Signed: true}
	for _, angle := range []float64{45, -45, 0, 90, -90} {
		data := make([]byte, 8)
		test.That(t, steer.Encode(data, angle), test.ShouldBeNil)
		want := make([]byte, 2)
		binary.LittleEndian.PutUint16(want, uint16(int16(angle/0.0078125)))
		test.That(t, data[4:6], test.ShouldResemble, want)
		test.That(t, data[:4], test.ShouldResemble, []byte{0, 0, 0, 0})
	}
}

func TestSignalSaturates(t *testing.T) {
	data := make([]byte, 2)
	u8 := Signal{Scale: 1, Start: 0, Length: 8, LittleEndian: true}
	test.That(t, u8.Encode(data, 300), test.ShouldBeNil)
	test.That(t, data[0], test.ShouldEqual, byte(0xFF))
	test.That(t, u8.Encode(data, -3), test.ShouldBeNil)
	test.That(t, data[0], test.ShouldEqual, byte(0))

	s8 := Signal{Scale: 1, Start: 8, Length: 8, LittleEndian: true, Signed: true}
	test.That(t, s8.Encode(data, -200), test.ShouldBeNil)
	got, err := s8.Extract(data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldEqual, -128.0)
}

func TestSignalRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for i := 0; i < 2000; i++ {
		length := uint(1 + r.Intn(32))
		start := uint(r.Intn(64 - int(length) + 1))
		sig := Signal{
			Scale:        0.001 + r.Float64(),
			Offset:       r.Float64()*10 - 5,
			Start:        start,
			Length:       length,
			LittleEndian: true,
			Signed:       r.Intn(2) == 0,
		}
		lo, hi := 0.0, float64(uint64(1)<<length-1)
		if sig.Signed {
			lo, hi = -float64(uint64(1)<<(length-1)), float64(uint64(1)<<(length-1)-1)
		}
		raw := math.Round(lo + r.Float64()*(hi-lo))
		value := raw*sig.Scale + sig.Offset

		data := make([]byte, 8)
		r.Read(data)
		before := binary.LittleEndian.Uint64(data)

		test.That(t, sig.Encode(data, value), test.ShouldBeNil)
		got, err := sig.Extract(data)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldAlmostEqual, value, 1e-6)

		var mask uint64 = (1<<length - 1) << start
		after := binary.LittleEndian.Uint64(data)
		test.That(t, after&^mask, test.ShouldEqual, before&^mask)
	}
}

func TestCommandFrames(t *testing.T) {
	frame, err := command{node: 3, mode: ModePower, value: 0.5}.toFrame()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame.ID, test.ShouldEqual, uint32(0x303))
	test.That(t, frame.Data[0], test.ShouldEqual, byte(ModePower))
	test.That(t, int32(binary.LittleEndian.Uint32(frame.Data[4:8])), test.ShouldEqual, int32(5000))

	frame, err = command{node: 3, mode: ModePower, value: -4}.toFrame()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, int32(binary.LittleEndian.Uint32(frame.Data[4:8])), test.ShouldEqual, int32(-10000))

	frame, err = command{node: 1, mode: ModeVelocity, value: 1234.56}.toFrame()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, int32(binary.LittleEndian.Uint32(frame.Data[4:8])), test.ShouldEqual, int32(123456))

	frame, err = command{node: 1, mode: ModePosition, value: -2.5}.toFrame()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, int32(binary.LittleEndian.Uint32(frame.Data[4:8])), test.ShouldEqual, int32(-10240))

	frame, err = command{node: 1, mode: ModeNeutral, value: 7}.toFrame()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame.Data, test.ShouldResemble, make([]byte, 8))

	_, err = command{node: 1, mode: Mode(9)}.toFrame()
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, ValidateNode(0x3F), test.ShouldBeNil)
	test.That(t, ValidateNode(0x40), test.ShouldNotBeNil)
	test.That(t, ValidateNode(-1), test.ShouldNotBeNil)
}
