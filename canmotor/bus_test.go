package canmotor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

type fakeConn struct {
	mu        sync.Mutex
	sent      []canbus.Frame
	in        chan canbus.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan canbus.Frame), closed: make(chan struct{})}
}

func (c *fakeConn) Send(frame canbus.Frame) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, frame)
	return len(frame.Data), nil
}

func (c *fakeConn) Recv() (canbus.Frame, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.closed:
		return canbus.Frame{}, errors.New("socket closed")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Sent() []canbus.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]canbus.Frame(nil), c.sent...)
}

func (c *fakeConn) lastSent(id uint32) (canbus.Frame, bool) {
	sent := c.Sent()
	for i := len(sent) - 1; i >= 0; i-- {
		if sent[i].ID == id {
			return sent[i], true
		}
	}
	return canbus.Frame{}, false
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

func statusFrame(node uint8, st Status) canbus.Frame {
	frame := canbus.Frame{ID: StatusID(node), Data: make([]byte, frameLength), Kind: canbus.SFF}
	_ = signalStatusPosition.Encode(frame.Data, st.Position)
	_ = signalStatusVelocity.Encode(frame.Data, st.RPM)
	_ = signalStatusFault.Encode(frame.Data, float64(st.Fault))
	return frame
}

type rig struct {
	tx, rx *fakeConn
	clk    *clock.Mock
	bus    *Bus
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{tx: newFakeConn(), rx: newFakeConn(), clk: clock.NewMock()}
	r.bus = NewBus(r.tx, r.rx, r.clk, logging.NewTestLogger(t))
	t.Cleanup(func() { test.That(t, r.bus.Close(), test.ShouldBeNil) })
	return r
}

// receive hands frame to the bus and waits until it is readable.
func (r *rig) receive(t *testing.T, frame canbus.Frame) {
	t.Helper()
	r.rx.in <- frame
	eventually(t, func() bool {
		got, _, ok := r.bus.Latest(frame.ID)
		return ok && string(got.Data) == string(frame.Data)
	})
}

func TestBusHeartbeat(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	drive := canbus.Frame{ID: 0x301, Data: []byte{1, 0, 0, 0, 1, 0, 0, 0}, Kind: canbus.SFF}
	oneShot := canbus.Frame{ID: 0x123, Data: []byte{0xAA}, Kind: canbus.SFF}

	test.That(t, r.bus.Publish(ctx, drive), test.ShouldBeNil)
	test.That(t, r.bus.Send(ctx, oneShot), test.ShouldBeNil)
	eventually(t, func() bool { _, ok := r.tx.lastSent(oneShot.ID); return ok })
	_, ok := r.tx.lastSent(drive.ID)
	test.That(t, ok, test.ShouldBeFalse)

	for i := 1; i <= 3; i++ {
		r.clk.Add(HeartbeatPeriod)
		want := i
		eventually(t, func() bool {
			count := 0
			for _, f := range r.tx.Sent() {
				if f.ID == drive.ID {
					count++
				}
			}
			return count == want
		})
	}

	// a newer command for the same id replaces the retained one
	replaced := canbus.Frame{ID: 0x301, Data: []byte{1, 0, 0, 0, 2, 0, 0, 0}, Kind: canbus.SFF}
	test.That(t, r.bus.Publish(ctx, replaced), test.ShouldBeNil)
	r.clk.Add(HeartbeatPeriod)
	eventually(t, func() bool {
		last, ok := r.tx.lastSent(drive.ID)
		return ok && last.Data[4] == 2
	})

	oneShots := 0
	for _, f := range r.tx.Sent() {
		if f.ID == oneShot.ID {
			oneShots++
		}
	}
	test.That(t, oneShots, test.ShouldEqual, 1)
}

func TestBusCanceledContext(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	test.That(t, r.bus.Publish(ctx, canbus.Frame{ID: 1}), test.ShouldEqual, context.Canceled)
}

func TestBusLatest(t *testing.T) {
	r := newRig(t)
	_, _, ok := r.bus.Latest(StatusID(2))
	test.That(t, ok, test.ShouldBeFalse)

	r.receive(t, statusFrame(2, Status{Position: 1.5}))
	_, age, ok := r.bus.Latest(StatusID(2))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, age, test.ShouldEqual, time.Duration(0))

	r.clk.Add(30 * time.Millisecond)
	_, age, _ = r.bus.Latest(StatusID(2))
	test.That(t, age, test.ShouldEqual, 30*time.Millisecond)
}

func TestMotor(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	m := NewMotor(r.bus, 4, logging.NewTestLogger(t))

	_, err := m.Position(ctx)
	test.That(t, err, test.ShouldNotBeNil)

	r.receive(t, statusFrame(4, Status{Position: 2.5, RPM: -120.25}))
	pos, err := m.Position(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldEqual, 2.5)
	rpm, err := m.RPM(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rpm, test.ShouldAlmostEqual, -120.25, 1e-9)

	// zero the shaft at 1 rotation, then position commands are offset by the zero
	test.That(t, m.ResetZeroPosition(ctx, 1), test.ShouldBeNil)
	pos, err = m.Position(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldEqual, 1.0)

	test.That(t, m.SetPosition(ctx, 3), test.ShouldBeNil)
	r.clk.Add(HeartbeatPeriod)
	eventually(t, func() bool { _, ok := r.tx.lastSent(CommandID(4)); return ok })
	frame, _ := r.tx.lastSent(CommandID(4))
	test.That(t, frame.Data[0], test.ShouldEqual, byte(ModePosition))
	target, err := signalPosition.Extract(frame.Data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, target, test.ShouldEqual, 4.5)

	// zero power goes neutral instead of braking at 0%
	test.That(t, m.SetPower(ctx, 0), test.ShouldBeNil)
	r.clk.Add(HeartbeatPeriod)
	eventually(t, func() bool {
		f, ok := r.tx.lastSent(CommandID(4))
		return ok && f.Data[0] == byte(ModeNeutral)
	})

	// stale reports fail reads
	r.clk.Add(StatusTimeout + time.Millisecond)
	_, err = m.Position(ctx)
	test.That(t, err, test.ShouldNotBeNil)

	r.receive(t, statusFrame(4, Status{Position: 2.5, Fault: 0x04}))
	_, err = m.RPM(ctx)
	test.That(t, err, test.ShouldNotBeNil)

	// fault reset goes out without waiting for a heartbeat
	test.That(t, m.ClearFaults(ctx), test.ShouldBeNil)
	eventually(t, func() bool {
		f, ok := r.tx.lastSent(CommandID(4))
		return ok && f.Data[0] == byte(ModeClearFault)
	})
}

func TestEncoder(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	e := NewEncoder(r.bus, 7)

	_, err := e.Rotations(ctx)
	test.That(t, err, test.ShouldNotBeNil)

	frame := canbus.Frame{ID: EncoderID(7), Data: make([]byte, frameLength), Kind: canbus.SFF}
	test.That(t, signalEncoderAngle.Encode(frame.Data, 0.25), test.ShouldBeNil)
	r.receive(t, frame)

	rot, err := e.Rotations(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rot, test.ShouldEqual, 0.25)

	r.clk.Add(StatusTimeout + time.Millisecond)
	_, err = e.Rotations(ctx)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestBusCloseIdempotent(t *testing.T) {
	tx, rx := newFakeConn(), newFakeConn()
	b := NewBus(tx, rx, clock.NewMock(), logging.NewTestLogger(t))
	test.That(t, b.Close(), test.ShouldBeNil)
	test.That(t, b.Close(), test.ShouldBeNil)
}
