package canbus

import (
	"context"

	"github.com/edaniels/golog"
	"go.einride.tech/can"

	"github.com/erh/viamevalbot"
)

// Receiver is the read side of a CAN socket; *socketcan.Receiver implements it.
type Receiver interface {
	Receive() bool
	Frame() can.Frame
	Err() error
}

// EdgeSink gets one call per wheel click, normally a *viamevalbot.Drive.
type EdgeSink interface {
	WheelEdge(wheel viamevalbot.Wheel)
}

// EncodeEdge builds the frame a sensor node sends for a click.
func EncodeEdge(wheel viamevalbot.Wheel) can.Frame {
	return can.Frame{ID: EdgeBaseID + uint32(wheel)}
}

// DecodeEdge reports which wheel a click frame belongs to.
func DecodeEdge(f can.Frame) (viamevalbot.Wheel, bool) {
	if f.IsRemote || f.IsExtended {
		return 0, false
	}
	switch f.ID {
	case EdgeBaseID + uint32(viamevalbot.WheelLeft):
		return viamevalbot.WheelLeft, true
	case EdgeBaseID + uint32(viamevalbot.WheelRight):
		return viamevalbot.WheelRight, true
	}
	return 0, false
}

// ReceiveEdges forwards click frames to sink until the receiver is closed.
// Clicks are timestamped by the sink when they arrive.
func ReceiveEdges(ctx context.Context, rx Receiver, sink EdgeSink, logger golog.Logger) error {
	logger.Debug("edge receiver started")
	defer logger.Debug("edge receiver stopped")

	for rx.Receive() {
		f := rx.Frame()
		wheel, ok := DecodeEdge(f)
		if !ok {
			continue
		}
		sink.WheelEdge(wheel)
	}

	// closing the socket on shutdown surfaces as a read error
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return rx.Err()
}
