// Package mgmt implements the management IPC mesh (spec.md §4.11): three
// cooperating role sockets under /run/acrn/mngr/ (device model, acrnd,
// sos-lcs), exchanging fixed-size mngr_msg records over Unix domain
// sockets.
//
// Grounded on the internal/ipc package: Server's
// accept-loop/per-connection-goroutine shape and Client's synchronous
// Call pattern are kept, but the wire format is rewired from ipc's
// variable-length, big-endian TLV scheme onto the host-native,
// fixed mngr_msg record (64-bit magic, 32-bit id, 64-bit timestamp,
// 256-byte payload) this protocol actually uses.
package mgmt

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic identifies a valid mngr_msg record: ASCII "gsm mmv" in the
// low 7 bytes, chosen by the original protocol designer.
const Magic uint64 = 0x67736d206d6d76

// PayloadSize is the size of a message's fixed payload union.
const PayloadSize = 256

// MessageSize is sizeof(mngr_msg): magic + id + timestamp + payload.
const MessageSize = 8 + 4 + 8 + PayloadSize

// nativeEndian is host-native, matching spec.md §4.11's "big/little
// endian neutral: host-native" wire rule. ACRN device models only ever
// talk to a peer running on the same host, so there is no cross-host
// byte-order concern to resolve.
var nativeEndian = binary.NativeEndian

// Message is one mngr_msg record.
type Message struct {
	ID        uint32
	Timestamp uint64
	Payload   [PayloadSize]byte
}

// Role identifies which of the three socket roles a message id belongs to.
type Role int

const (
	RoleDM Role = iota
	RoleAcrnd
	RoleSosLCS
)

// Device-model per-VM socket message ids.
const (
	MsgDMStop uint32 = iota + 1
	MsgDMSuspend
	MsgDMResume
	MsgDMPause
	MsgDMContinue
	MsgDMQuery
	MsgDMBlkRescan
)

// acrnd socket message ids.
const (
	MsgAcrndTimer uint32 = iota + 1
	MsgAcrndStop
	MsgAcrndResume
	MsgAcrndSuspend
	MsgDMNotify
)

// sos-lcs socket message ids.
const (
	MsgSosWakeupReason uint32 = iota + 1
	MsgSosRTCTimer
	MsgSosShutdown
	MsgSosSuspend
	MsgSosReboot
)

// MaxClients bounds concurrent connections accepted per server, mirroring
// the original MNGR_MAX_CLIENT cap.
const MaxClients = 8

// ReadMessage reads one fixed-size record from r.
func ReadMessage(r io.Reader) (Message, error) {
	var buf [MessageSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Message{}, err
	}
	magic := nativeEndian.Uint64(buf[0:8])
	if magic != Magic {
		return Message{}, fmt.Errorf("mgmt: bad magic %#x", magic)
	}
	var m Message
	m.ID = nativeEndian.Uint32(buf[8:12])
	m.Timestamp = nativeEndian.Uint64(buf[12:20])
	copy(m.Payload[:], buf[20:])
	return m, nil
}

// WriteMessage writes one fixed-size record to w.
func WriteMessage(w io.Writer, m Message) error {
	var buf [MessageSize]byte
	nativeEndian.PutUint64(buf[0:8], Magic)
	nativeEndian.PutUint32(buf[8:12], m.ID)
	nativeEndian.PutUint64(buf[12:20], m.Timestamp)
	copy(buf[20:], m.Payload[:])
	_, err := w.Write(buf[:])
	return err
}

// NewMessage builds a Message whose payload is a byte-for-byte copy of
// payload, zero-padded or truncated to PayloadSize.
func NewMessage(id uint32, timestamp uint64, payload []byte) Message {
	m := Message{ID: id, Timestamp: timestamp}
	n := copy(m.Payload[:], payload)
	_ = n
	return m
}
