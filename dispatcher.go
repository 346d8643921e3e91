package bootloader

import (
	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/avrboot/pkg/can"
)

// dispatcher is the Inbound Dispatcher (spec §4.2). It is registered as a
// filtered handler on the CAN interface's delivery goroutine, decodes
// accepted frames, discards anything addressed to another board, and
// forwards survivors to the Session's inbox. It holds no mutable state of
// its own beyond the channel, so it is safe to invoke concurrently with the
// driver goroutine reading that same channel.
type dispatcher struct {
	boardID uint8
	inbox   chan<- Message
	logger  log.FieldLogger
}

// acceptFrame implements the filter predicate from spec §4.2: non-extended,
// non-RTR, target-to-host identifier.
func acceptFrame(frame can.Frame) bool {
	return !frame.Extended && !frame.RTR && frame.ID == TargetToHostID
}

// Handle implements can.FrameHandler. It must never block beyond a single
// non-blocking channel send.
func (d *dispatcher) Handle(frame can.Frame) {
	msg, err := Decode(frame)
	if err != nil {
		d.logger.WithError(err).Debug("dispatcher: dropping malformed frame")
		return
	}
	if msg.BoardID != d.boardID {
		return
	}
	select {
	case d.inbox <- msg:
	default:
		d.logger.WithFields(log.Fields{
			"subject": msg.Subject,
			"number":  msg.Number,
		}).Warn("dispatcher: inbox full, dropping message")
	}
}
