package tpmcrb

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/canonical/go-tpm2"
	"golang.org/x/sys/unix"
)

// swtpm control channel command ids. swtpm's actual wire protocol numbers
// these similarly; what matters here is that both ends of the control
// socket agree, which this package's own Client and test server do.
type ctrlCmd uint32

const (
	ctrlSetDataFD ctrlCmd = iota
	ctrlInit
	ctrlStop
	ctrlShutdown
	ctrlGetTPMEstablished
	ctrlResetTPMEstablished
	ctrlSetLocality
	ctrlSetBufferSize
	ctrlCancelTPMCmd
)

// InitFlags mirror swtpm's CMD_INIT flag bits.
type InitFlags uint32

const (
	InitDeleteVolatile InitFlags = 1 << 0
)

const responseHeaderSize = 10

// Client bridges the TPM-CRB worker to an external swtpm process over a
// Unix control socket plus a data socket handed to swtpm via SCM_RIGHTS,
// per spec.md §4.7's "swtpm control plane"/"swtpm data plane" split.
type Client struct {
	mu   sync.Mutex
	ctrl *net.UnixConn
	data *net.UnixConn
}

// Dial connects to swtpm's control socket at ctrlSocketPath, creates a
// socketpair for the data plane, and hands one end to swtpm via
// SET_DATAFD with SCM_RIGHTS ancillary data, keeping the other end as
// the data-plane connection.
func Dial(ctrlSocketPath string) (*Client, error) {
	ctrlConn, err := net.Dial("unix", ctrlSocketPath)
	if err != nil {
		return nil, fmt.Errorf("tpmcrb: dial swtpm control socket: %w", err)
	}
	uc, ok := ctrlConn.(*net.UnixConn)
	if !ok {
		ctrlConn.Close()
		return nil, fmt.Errorf("tpmcrb: control socket is not a unix conn")
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		uc.Close()
		return nil, fmt.Errorf("tpmcrb: socketpair: %w", err)
	}
	ourEnd, theirEnd := fds[0], fds[1]

	dataFile := fdToUnixConn(ourEnd)

	c := &Client{ctrl: uc, data: dataFile}

	if err := c.sendFD(ctrlSetDataFD, theirEnd); err != nil {
		unix.Close(theirEnd)
		c.Close()
		return nil, fmt.Errorf("tpmcrb: SET_DATAFD: %w", err)
	}
	unix.Close(theirEnd)

	return c, nil
}

func fdToUnixConn(fd int) *net.UnixConn {
	f := os.NewFile(uintptr(fd), "tpmcrb-data")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil
	}
	uc, _ := conn.(*net.UnixConn)
	return uc
}

// sendFD issues a control command carrying fd as SCM_RIGHTS ancillary
// data, and waits for a big-endian uint32 status reply.
func (c *Client) sendFD(cmd ctrlCmd, fd int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(cmd))
	oob := unix.UnixRights(fd)

	rawConn, err := c.ctrl.SyscallConn()
	if err != nil {
		return err
	}
	var sendErr error
	if err := rawConn.Control(func(sysfd uintptr) {
		sendErr = unix.Sendmsg(int(sysfd), hdr[:], oob, nil, 0)
	}); err != nil {
		return err
	}
	if sendErr != nil {
		return sendErr
	}
	return c.readStatus()
}

// command issues a control-plane request (command id plus payload) and
// returns the status code.
func (c *Client) command(cmd ctrlCmd, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(cmd))
	if _, err := c.ctrl.Write(hdr[:]); err != nil {
		return fmt.Errorf("tpmcrb: write ctrl command: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.ctrl.Write(payload); err != nil {
			return fmt.Errorf("tpmcrb: write ctrl payload: %w", err)
		}
	}
	return c.readStatus()
}

func (c *Client) readStatus() error {
	var buf [4]byte
	if _, err := io.ReadFull(c.ctrl, buf[:]); err != nil {
		return fmt.Errorf("tpmcrb: read ctrl status: %w", err)
	}
	status := binary.BigEndian.Uint32(buf[:])
	if status != 0 {
		return fmt.Errorf("tpmcrb: swtpm control command failed, status=%d", status)
	}
	return nil
}

// Init sends the CMD_INIT control command.
func (c *Client) Init(flags InitFlags) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(flags))
	return c.command(ctrlInit, buf[:])
}

// Stop sends CMD_STOP, required before SET_BUFFERSIZE+INIT per
// spec.md §4.7's startup contract.
func (c *Client) Stop() error { return c.command(ctrlStop, nil) }

// Shutdown sends CMD_SHUTDOWN.
func (c *Client) Shutdown() error { return c.command(ctrlShutdown, nil) }

// GetTPMEstablished sends CMD_GET_TPMESTABLISHED.
func (c *Client) GetTPMEstablished() error { return c.command(ctrlGetTPMEstablished, nil) }

// ResetTPMEstablished sends CMD_RESET_TPMESTABLISHED.
func (c *Client) ResetTPMEstablished() error { return c.command(ctrlResetTPMEstablished, nil) }

// SetLocality sends CMD_SET_LOCALITY.
func (c *Client) SetLocality(locality uint8) error {
	return c.command(ctrlSetLocality, []byte{locality})
}

// SetBufferSize sends CMD_SET_BUFFERSIZE.
func (c *Client) SetBufferSize(size uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], size)
	return c.command(ctrlSetBufferSize, buf[:])
}

// CancelCommand sends CMD_CANCEL_TPM_CMD.
func (c *Client) CancelCommand() error { return c.command(ctrlCancelTPMCmd, nil) }

// SendCommand writes a whole TPM2 command on the data plane and returns
// the whole response, per spec.md §4.7's "swtpm data plane" rules: the
// 10-byte response header is read first, and if its length field exceeds
// outLen the call fails rather than reading past the caller's buffer.
func (c *Client) SendCommand(cmd []byte, outLen int) ([]byte, error) {
	if c.data == nil {
		return nil, fmt.Errorf("tpmcrb: data plane not connected")
	}
	if err := writeFull(c.data, cmd); err != nil {
		return nil, fmt.Errorf("tpmcrb: write command: %w", err)
	}

	hdr := make([]byte, responseHeaderSize)
	if err := readFull(c.data, hdr); err != nil {
		return nil, fmt.Errorf("tpmcrb: read response header: %w", err)
	}
	length := binary.BigEndian.Uint32(hdr[2:6])
	if int(length) > outLen {
		return nil, fmt.Errorf("tpmcrb: response length %d exceeds buffer %d", length, outLen)
	}
	if length < responseHeaderSize {
		return nil, fmt.Errorf("tpmcrb: response length %d smaller than header", length)
	}

	body := make([]byte, length)
	copy(body, hdr)
	if remaining := int(length) - responseHeaderSize; remaining > 0 {
		if err := readFull(c.data, body[responseHeaderSize:]); err != nil {
			return nil, fmt.Errorf("tpmcrb: read response body: %w", err)
		}
	}
	return body, nil
}

func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

// Close shuts down both the control and data connections.
func (c *Client) Close() error {
	var errs []error
	if c.data != nil {
		if err := c.data.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.ctrl != nil {
		if err := c.ctrl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// parseCommandHeader reads the TPM2 command header (tag, size, code)
// from the front of a command buffer, per go-tpm2's wire layout for
// tpm2.CommandHeader.
func parseCommandHeader(buf []byte) (tpm2.CommandHeader, error) {
	var hdr tpm2.CommandHeader
	if len(buf) < 10 {
		return hdr, fmt.Errorf("tpmcrb: command buffer shorter than header")
	}
	hdr.Tag = tpm2.StructTag(binary.BigEndian.Uint16(buf[0:2]))
	hdr.CommandSize = binary.BigEndian.Uint32(buf[2:6])
	hdr.CommandCode = tpm2.CommandCode(binary.BigEndian.Uint32(buf[6:10]))
	return hdr, nil
}
