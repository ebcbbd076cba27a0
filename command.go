package tidsp

import "fmt"

// Command is the 32-bit command word carried by every node message.
//
//	bits 31..8  family
//	bits  7..0  sub-id (port id for buffer exchange)
type Command uint32

// Family selects the message kind.
type Family uint32

const (
	FamilyPlay        Family = 0x01
	FamilyStop        Family = 0x02
	FamilyAlgControl  Family = 0x04 // algorithm control ack
	FamilyFlush       Family = 0x05 // flush ack
	FamilyBuffer      Family = 0x06 // buffer exchange, sub-id = port id
	FamilyDeviceEvent Family = 0x0e
)

func (f Family) String() string {
	switch f {
	case FamilyPlay:
		return "play"
	case FamilyStop:
		return "stop"
	case FamilyAlgControl:
		return "alg-ctrl"
	case FamilyFlush:
		return "flush"
	case FamilyBuffer:
		return "buffer"
	case FamilyDeviceEvent:
		return "event"
	default:
		return fmt.Sprintf("family(0x%x)", uint32(f))
	}
}

// MakeCommand packs a family and sub-id into a command word.
func MakeCommand(f Family, sub uint8) Command {
	return Command(uint32(f)<<8 | uint32(sub))
}

// Family returns the high-order part of the word.
func (c Command) Family() Family { return Family(uint32(c) >> 8) }

// Sub returns the low-order byte.
func (c Command) Sub() uint8 { return uint8(c) }

func (c Command) String() string {
	return fmt.Sprintf("%s/%d", c.Family(), c.Sub())
}

// Message is one node message: a command word and two argument words.
type Message struct {
	Cmd  Command
	Arg1 uint32
	Arg2 uint32
}

// Device event argument patterns.
const (
	eventArgStatus           = 1
	eventPlaybackCompleted   = 0x0500
	eventBufferStatusChanged = 0x0600
	eventFatalMask           = 0x0f00
)
