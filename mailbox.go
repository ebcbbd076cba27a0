package tidsp

import (
	"encoding/binary"
	"fmt"
)

// MailboxRecord is the host <-> device exchange record copied into a
// slot's mailbox before each send and read back on completion.
//
// The Legacy* and index fields belong to the firmware ABI; they are copied
// verbatim and carry no meaning for the host.
type MailboxRecord struct {
	BufferData uint32 // payload device address
	BufferSize uint32
	ParamData  uint32 // parameter device address
	ParamSize  uint32
	BufferLen  uint32 // in-use length

	LegacyEOS       uint32
	LegacyBufState  uint32
	LegacyBufActive uint32
	LegacyBufID     uint32

	// Present only for USN API version 2 and later.
	AvailableBuffers   uint32
	DoNotFlushBuf      uint32
	DoNotInvalidateBuf uint32

	Reserved uint32

	MsgVirt    uint32
	BufferVirt uint32
	ParamVirt  uint32 // parameter buffer tag, 0 when no parameters

	LegacyOutBufferIndex uint32
	LegacyInBufferIndex  uint32

	UserData uint32 // payload buffer tag
	StreamID uint32
}

// Mailbox layout per USN API version. Every field is a 32-bit
// little-endian word; the device is a 32-bit core.
const (
	DefaultMailboxAPIVersion = 2

	mailboxWordsV1 = 17
	mailboxWordsV2 = 20
)

// MailboxSize returns the encoded record size for the API version.
func MailboxSize(apiVersion int) int {
	if apiVersion >= 2 {
		return mailboxWordsV2 * 4
	}
	return mailboxWordsV1 * 4
}

func (r *MailboxRecord) fields(apiVersion int) []*uint32 {
	f := []*uint32{
		&r.BufferData, &r.BufferSize, &r.ParamData, &r.ParamSize, &r.BufferLen,
		&r.LegacyEOS, &r.LegacyBufState, &r.LegacyBufActive, &r.LegacyBufID,
	}
	if apiVersion >= 2 {
		f = append(f, &r.AvailableBuffers, &r.DoNotFlushBuf, &r.DoNotInvalidateBuf)
	}
	return append(f,
		&r.Reserved,
		&r.MsgVirt, &r.BufferVirt, &r.ParamVirt,
		&r.LegacyOutBufferIndex, &r.LegacyInBufferIndex,
		&r.UserData, &r.StreamID,
	)
}

// Encode writes the record into buf, which must hold MailboxSize bytes.
func (r *MailboxRecord) Encode(buf []byte, apiVersion int) error {
	size := MailboxSize(apiVersion)
	if len(buf) < size {
		return fmt.Errorf("tidsp: mailbox buffer too short: %d bytes, need %d", len(buf), size)
	}
	for i, f := range r.fields(apiVersion) {
		binary.LittleEndian.PutUint32(buf[i*4:], *f)
	}
	return nil
}

// DecodeMailbox parses a record from buf.
func DecodeMailbox(buf []byte, apiVersion int) (MailboxRecord, error) {
	var r MailboxRecord
	size := MailboxSize(apiVersion)
	if len(buf) < size {
		return r, fmt.Errorf("tidsp: mailbox buffer too short: %d bytes, need %d", len(buf), size)
	}
	for i, f := range r.fields(apiVersion) {
		*f = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return r, nil
}
