package mgmt

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/acrnerr"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := NewMessage(MsgDMStop, 12345, []byte("stop now"))

	if err := WriteMessage(&buf, want); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if buf.Len() != MessageSize {
		t.Fatalf("encoded length = %d, want %d", buf.Len(), MessageSize)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.ID != want.ID || got.Timestamp != want.Timestamp {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if !bytes.Equal(got.Payload[:8], []byte("stop now")) {
		t.Fatalf("payload mismatch: %q", got.Payload[:8])
	}
}

func TestReadMessageRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, MessageSize))
	if _, err := ReadMessage(&buf); err == nil {
		t.Fatalf("expected error for all-zero (bad magic) record")
	}
}

func TestServerClientRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sockName := SocketName("acrnd", 999)
	sockPath := filepath.Join(dir, sockName)

	received := make(chan Message, 1)
	srv, err := Listen(RoleAcrnd, sockPath, func(req Message) (Message, bool) {
		received <- req
		return NewMessage(req.ID, req.Timestamp, []byte("ack")), true
	}, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	go srv.Serve()

	cl, err := Dial(dir, "acrnd")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cl.Close()

	req := NewMessage(MsgAcrndTimer, 42, []byte("fire"))
	ack, err := cl.SendMsg(req, 2*time.Second)
	if err != nil {
		t.Fatalf("SendMsg: %v", err)
	}
	if !bytes.Equal(ack.Payload[:3], []byte("ack")) {
		t.Fatalf("ack payload = %q, want ack", ack.Payload[:3])
	}

	select {
	case got := <-received:
		if got.ID != MsgAcrndTimer {
			t.Fatalf("server saw id %d, want %d", got.ID, MsgAcrndTimer)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not observe the request in time")
	}
}

func TestSendMsgReportsIpcTimeoutWhenServerNeverAcks(t *testing.T) {
	dir := t.TempDir()
	sockName := SocketName("acrnd", 1000)
	sockPath := filepath.Join(dir, sockName)

	srv, err := Listen(RoleAcrnd, sockPath, func(req Message) (Message, bool) {
		// Never sends an ack, simulating a wedged peer.
		return Message{}, false
	}, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	cl, err := Dial(dir, "acrnd")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cl.Close()

	req := NewMessage(MsgAcrndTimer, 1, []byte("fire"))
	_, err = cl.SendMsg(req, 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected SendMsg to time out")
	}
	if !acrnerr.HasKind(err, acrnerr.IpcTimeout) {
		t.Fatalf("SendMsg error = %v, want an acrnerr.IpcTimeout", err)
	}
}

func TestOpenUNFindsFirstMatch(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, SocketName("sos-lcs", 1234))

	srv, err := Listen(RoleSosLCS, sockPath, func(Message) (Message, bool) { return Message{}, false }, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	conn, err := OpenUN(dir, "sos-lcs")
	if err != nil {
		t.Fatalf("OpenUN: %v", err)
	}
	conn.Close()
}
