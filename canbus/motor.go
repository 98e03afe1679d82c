// Package canbus drives an EVALBOT style motor and wheel sensor node over CAN.
//
// Each wheel has its own command frame at CommandBaseID+wheel:
//
//	byte 0     opcode
//	byte 1..2  duty, percent in 8.8, little endian
//	byte 3     1 when the wheel runs in reverse
//
// The node reports a wheel click with an empty frame at EdgeBaseID+wheel.
package canbus

import (
	"context"
	"fmt"

	"go.einride.tech/can"

	"github.com/erh/viamevalbot"
)

const (
	CommandBaseID = 0x210
	EdgeBaseID    = 0x190

	commandLength = 4
)

type Opcode uint8

const (
	OpDirection Opcode = iota + 1
	OpSpeed
	OpRun
	OpStop
)

func (o Opcode) String() string {
	switch o {
	case OpDirection:
		return "direction"
	case OpSpeed:
		return "speed"
	case OpRun:
		return "run"
	case OpStop:
		return "stop"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(o))
	}
}

// Transmitter sends a frame; *socketcan.Transmitter implements it.
type Transmitter interface {
	TransmitFrame(ctx context.Context, frame can.Frame) error
}

// MotorDriver implements viamevalbot.MotorDriver over CAN.
type MotorDriver struct {
	tx Transmitter
}

func NewMotorDriver(tx Transmitter) *MotorDriver {
	return &MotorDriver{tx: tx}
}

func (m *MotorDriver) SetDirection(ctx context.Context, wheel viamevalbot.Wheel, reverse bool) error {
	return m.send(ctx, Command{Wheel: wheel, Op: OpDirection, Reverse: reverse})
}

func (m *MotorDriver) SetSpeed(ctx context.Context, wheel viamevalbot.Wheel, duty uint16) error {
	return m.send(ctx, Command{Wheel: wheel, Op: OpSpeed, Duty: duty})
}

func (m *MotorDriver) Run(ctx context.Context, wheel viamevalbot.Wheel) error {
	return m.send(ctx, Command{Wheel: wheel, Op: OpRun})
}

func (m *MotorDriver) Stop(ctx context.Context, wheel viamevalbot.Wheel) error {
	return m.send(ctx, Command{Wheel: wheel, Op: OpStop})
}

func (m *MotorDriver) send(ctx context.Context, cmd Command) error {
	if err := m.tx.TransmitFrame(ctx, EncodeCommand(cmd)); err != nil {
		return fmt.Errorf("%v %v: %w", cmd.Wheel, cmd.Op, err)
	}
	return nil
}

// Command is one decoded motor command.
type Command struct {
	Wheel   viamevalbot.Wheel
	Op      Opcode
	Duty    uint16
	Reverse bool
}

func EncodeCommand(cmd Command) can.Frame {
	f := can.Frame{
		ID:     CommandBaseID + uint32(cmd.Wheel),
		Length: commandLength,
	}
	f.Data.SetUnsignedBitsLittleEndian(0, 8, uint64(cmd.Op))
	f.Data.SetUnsignedBitsLittleEndian(8, 16, uint64(cmd.Duty))
	if cmd.Reverse {
		f.Data.SetUnsignedBitsLittleEndian(24, 8, 1)
	}
	return f
}

// DecodeCommand is the inverse of EncodeCommand, used by node firmware and
// bus monitors.
func DecodeCommand(f can.Frame) (Command, error) {
	wheel := viamevalbot.Wheel(f.ID - CommandBaseID)
	if f.ID < CommandBaseID || (wheel != viamevalbot.WheelLeft && wheel != viamevalbot.WheelRight) {
		return Command{}, fmt.Errorf("frame 0x%X is not a motor command", f.ID)
	}
	if f.Length != commandLength {
		return Command{}, fmt.Errorf("motor command 0x%X expects length %d, got %d", f.ID, commandLength, f.Length)
	}
	return Command{
		Wheel:   wheel,
		Op:      Opcode(f.Data.UnsignedBitsLittleEndian(0, 8)),
		Duty:    uint16(f.Data.UnsignedBitsLittleEndian(8, 16)),
		Reverse: f.Data.UnsignedBitsLittleEndian(24, 8) == 1,
	}, nil
}
