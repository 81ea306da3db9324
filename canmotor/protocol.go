package canmotor

import (
	"math"

	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
)

// constants from the controller data sheet.
const (
	DefaultChannel = "can0"

	commandBase uint32 = 0x300 // + node, host -> controller
	statusBase  uint32 = 0x340 // + node, controller -> host
	encoderBase uint32 = 0x380 // + node, absolute encoder -> host

	frameLength = 8
	maxNode     = 0x3F
)

// Mode selects how the controller interprets a command value.
type Mode byte

const (
	ModeNeutral  Mode = 0
	ModePower    Mode = 1 // duty cycle in [-1, 1]
	ModeVelocity Mode = 2 // motor shaft RPM
	ModePosition Mode = 3 // motor shaft rotations

	// ModeClearFault resets the controller fault byte. Sent once, never retained.
	ModeClearFault Mode = 0x0F
)

func (m Mode) String() string {
	switch m {
	case ModeNeutral:
		return "neutral"
	case ModePower:
		return "power"
	case ModeVelocity:
		return "velocity"
	case ModePosition:
		return "position"
	case ModeClearFault:
		return "clear-fault"
	default:
		return "unknown"
	}
}

var (
	signalMode     = Signal{Scale: 1, Start: 0, Length: 8, LittleEndian: true}
	signalPower    = Signal{Scale: 0.0001, Start: 32, Length: 32, LittleEndian: true, Signed: true}
	signalVelocity = Signal{Scale: 0.01, Start: 32, Length: 32, LittleEndian: true, Signed: true}
	signalPosition = Signal{Scale: 1.0 / 4096, Start: 32, Length: 32, LittleEndian: true, Signed: true}

	signalStatusPosition = Signal{Scale: 1.0 / 4096, Start: 0, Length: 32, LittleEndian: true, Signed: true}
	signalStatusVelocity = Signal{Scale: 0.01, Start: 32, Length: 24, LittleEndian: true, Signed: true}
	signalStatusFault    = Signal{Scale: 1, Start: 56, Length: 8, LittleEndian: true}

	signalEncoderAngle = Signal{Scale: 1.0 / 65536, Start: 0, Length: 16, LittleEndian: true}
)

// CommandID is the frame id a controller listens on.
func CommandID(node uint8) uint32 { return commandBase + uint32(node) }

// StatusID is the frame id a controller reports on.
func StatusID(node uint8) uint32 { return statusBase + uint32(node) }

// EncoderID is the frame id an absolute encoder reports on.
func EncoderID(node uint8) uint32 { return encoderBase + uint32(node) }

// ValidateNode rejects node ids that would collide with another frame range.
func ValidateNode(node int) error {
	if node < 0 || node > maxNode {
		return errors.Errorf("CAN node %d outside [0, %d]", node, maxNode)
	}
	return nil
}

type command struct {
	node  uint8
	mode  Mode
	value float64
}

// toFrame converts the command to a canbus data frame.
func (cmd command) toFrame() (canbus.Frame, error) {
	frame := canbus.Frame{
		ID:   CommandID(cmd.node),
		Data: make([]byte, frameLength),
		Kind: canbus.SFF,
	}
	if err := signalMode.Encode(frame.Data, float64(cmd.mode)); err != nil {
		return canbus.Frame{}, err
	}

	var sig Signal
	value := cmd.value
	switch cmd.mode {
	case ModeNeutral, ModeClearFault:
		return frame, nil
	case ModePower:
		sig = signalPower
		value = math.Max(-1, math.Min(1, value))
	case ModeVelocity:
		sig = signalVelocity
	case ModePosition:
		sig = signalPosition
	default:
		return canbus.Frame{}, errors.Errorf("unknown mode %d", cmd.mode)
	}
	if err := sig.Encode(frame.Data, value); err != nil {
		return canbus.Frame{}, errors.Wrapf(err, "encoding %s command", cmd.mode)
	}
	return frame, nil
}

// Status is what a controller reports every cycle.
type Status struct {
	Position float64 // rotations, controller frame
	RPM      float64
	Fault    byte
}

func parseStatus(frame canbus.Frame) (Status, error) {
	var st Status
	var err error
	if st.Position, err = signalStatusPosition.Extract(frame.Data); err != nil {
		return Status{}, errors.Wrap(err, "status position")
	}
	if st.RPM, err = signalStatusVelocity.Extract(frame.Data); err != nil {
		return Status{}, errors.Wrap(err, "status velocity")
	}
	fault, err := signalStatusFault.Extract(frame.Data)
	if err != nil {
		return Status{}, errors.Wrap(err, "status fault")
	}
	st.Fault = byte(fault)
	return st, nil
}
