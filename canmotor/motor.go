package canmotor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/rdk/logging"
)

// StatusTimeout is how old a status frame may be before reads fail.
const StatusTimeout = 100 * time.Millisecond

var errNoStatus = errors.New("no status received")

// Motor is a controller on the bus. Positions are reported relative to a software zero
// so ResetZeroPosition never needs a round trip to the controller.
type Motor struct {
	bus    *Bus
	node   uint8
	logger logging.Logger

	mu   sync.Mutex
	zero float64
	mode Mode
}

// NewMotor returns the controller at node.
func NewMotor(bus *Bus, node uint8, logger logging.Logger) *Motor {
	return &Motor{bus: bus, node: node, logger: logger}
}

func (m *Motor) command(ctx context.Context, mode Mode, value float64) error {
	frame, err := command{node: m.node, mode: mode, value: value}.toFrame()
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.mode != mode {
		m.logger.Debugw("controller mode change", "node", m.node, "from", m.mode.String(), "to", mode.String())
		m.mode = mode
	}
	m.mu.Unlock()
	return errors.Wrapf(m.bus.Publish(ctx, frame), "node %d", m.node)
}

// ClearFaults sends a one-shot fault reset. The retained command is left alone and
// resumes on the next heartbeat.
func (m *Motor) ClearFaults(ctx context.Context) error {
	frame, err := command{node: m.node, mode: ModeClearFault}.toFrame()
	if err != nil {
		return err
	}
	return errors.Wrapf(m.bus.Send(ctx, frame), "node %d", m.node)
}

// SetPower commands duty cycle in [-1, 1].
func (m *Motor) SetPower(ctx context.Context, power float64) error {
	if power == 0 {
		return m.command(ctx, ModeNeutral, 0)
	}
	return m.command(ctx, ModePower, power)
}

// SetRPM commands closed-loop shaft velocity.
func (m *Motor) SetRPM(ctx context.Context, rpm float64) error {
	return m.command(ctx, ModeVelocity, rpm)
}

// SetPosition commands closed-loop shaft position in rotations from the software zero.
func (m *Motor) SetPosition(ctx context.Context, rotations float64) error {
	m.mu.Lock()
	target := rotations + m.zero
	m.mu.Unlock()
	return m.command(ctx, ModePosition, target)
}

// Status returns the last report from the controller.
func (m *Motor) Status() (Status, error) {
	frame, age, ok := m.bus.Latest(StatusID(m.node))
	if !ok {
		return Status{}, errors.Wrapf(errNoStatus, "node %d", m.node)
	}
	if age > StatusTimeout {
		return Status{}, errors.Errorf("node %d status is %v old", m.node, age)
	}
	st, err := parseStatus(frame)
	if err != nil {
		return Status{}, errors.Wrapf(err, "node %d", m.node)
	}
	if st.Fault != 0 {
		return st, errors.Errorf("node %d reports fault 0x%02x", m.node, st.Fault)
	}
	return st, nil
}

// Position is the shaft position in rotations from the software zero.
func (m *Motor) Position(ctx context.Context) (float64, error) {
	st, err := m.Status()
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return st.Position - m.zero, nil
}

// RPM is the reported shaft velocity.
func (m *Motor) RPM(ctx context.Context) (float64, error) {
	st, err := m.Status()
	if err != nil {
		return 0, err
	}
	return st.RPM, nil
}

// ResetZeroPosition makes the current shaft position read as rotations.
func (m *Motor) ResetZeroPosition(ctx context.Context, rotations float64) error {
	st, err := m.Status()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.zero = st.Position - rotations
	m.mu.Unlock()
	return nil
}

// Encoder is an absolute encoder reporting on the bus.
type Encoder struct {
	bus  *Bus
	node uint8
}

// NewEncoder returns the encoder at node.
func NewEncoder(bus *Bus, node uint8) *Encoder {
	return &Encoder{bus: bus, node: node}
}

// Rotations is the absolute angle in [0, 1).
func (e *Encoder) Rotations(ctx context.Context) (float64, error) {
	frame, age, ok := e.bus.Latest(EncoderID(e.node))
	if !ok {
		return 0, errors.Wrapf(errNoStatus, "encoder %d", e.node)
	}
	if age > StatusTimeout {
		return 0, errors.Errorf("encoder %d report is %v old", e.node, age)
	}
	return signalEncoderAngle.Extract(frame.Data)
}
