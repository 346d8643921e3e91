// Package bootloader implements the host side of a CAN-bus AVR bootloader
// protocol: frame codec, request/response session, adaptive page
// programming and end-to-end flashing orchestration.
package bootloader

import (
	"fmt"

	"github.com/samsamfire/avrboot/pkg/can"
)

// MessageType is the 2-bit type field of a bootloader message header.
type MessageType uint8

const (
	Request     MessageType = 0
	Success     MessageType = 1
	ErrorType   MessageType = 2
	WrongNumber MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case Request:
		return "request"
	case Success:
		return "success"
	case ErrorType:
		return "error"
	case WrongNumber:
		return "wrong_number"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Subject is the 6-bit subject field of a bootloader message header.
type Subject uint8

const (
	Identify         Subject = 1
	SetAddress       Subject = 2
	Data             Subject = 3
	StartApplication Subject = 4
	GetFusebits      Subject = 5
	ChipErase        Subject = 6
)

func (s Subject) String() string {
	switch s {
	case Identify:
		return "identify"
	case SetAddress:
		return "set_address"
	case Data:
		return "data"
	case StartApplication:
		return "start_app"
	case GetFusebits:
		return "get_fusebits"
	case ChipErase:
		return "chip_erase"
	default:
		return fmt.Sprintf("subject(%d)", uint8(s))
	}
}

const (
	// HostToTargetID is the 11-bit CAN identifier used for every frame the
	// host sends to a target.
	HostToTargetID uint32 = 0x7FF
	// TargetToHostID is the 11-bit CAN identifier every target response
	// arrives on.
	TargetToHostID uint32 = 0x7FE

	// StartOfMessageMask flags the first frame of a DATA block in the
	// data_counter byte; the low 7 bits carry the frames-remaining count.
	StartOfMessageMask uint8 = 0x80

	// DefaultDataCounter is used for a single, self-contained request.
	DefaultDataCounter uint8 = StartOfMessageMask | 0
)

// Message is the in-memory representation of one bootloader protocol frame
// (spec §3, BootloaderMessage). Type and Subject share one header byte as
// (Type<<6)|Subject.
type Message struct {
	BoardID     uint8
	Type        MessageType
	Subject     Subject
	Number      uint8
	DataCounter uint8
	Data        []byte
}

// Encode converts m into the CAN frame the target expects on HostToTargetID.
// It never fails: it is the caller's responsibility to keep Data at 4 bytes
// or fewer, per the wire format.
func Encode(m Message) can.Frame {
	data := make([]byte, 0, 8)
	data = append(data, m.BoardID, (uint8(m.Type)<<6)|uint8(m.Subject)&0x3F, m.Number, m.DataCounter)
	data = append(data, m.Data...)
	return can.NewFrame(HostToTargetID, data)
}

// Decode converts a target-origin CAN frame into a Message. It rejects
// structurally invalid frames but never fails on an unrecognized Type or
// Subject value -- interpreting those is the Session's job.
func Decode(frame can.Frame) (Message, error) {
	if frame.Extended || frame.RTR || frame.DLC < 4 {
		return Message{}, fmt.Errorf("%w: extended=%v rtr=%v dlc=%d", ErrBadFormat, frame.Extended, frame.RTR, frame.DLC)
	}
	payload := frame.Data[4:frame.DLC]
	data := make([]byte, len(payload))
	copy(data, payload)
	return Message{
		BoardID:     frame.Data[0],
		Type:        MessageType(frame.Data[1] >> 6),
		Subject:     Subject(frame.Data[1] & 0x3F),
		Number:      frame.Data[2],
		DataCounter: frame.Data[3],
		Data:        data,
	}, nil
}
