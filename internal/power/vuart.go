package power

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ShutdownCommand is the exact byte string pm-vuart writes into the node
// to signal the guest to power off, including pm_vuart.c's trailing NUL
// (sizeof("shutdown") includes it).
const ShutdownCommand = "shutdown\x00"

// NodeType selects which kind of node VUart opens, per spec.md §4.10's
// "PTY pair (type=PTY, path=config) or a TTY device (type=TTY, ...)".
type NodeType int

const (
	NodePTY NodeType = iota
	NodeTTY
)

// VUart is the pm-vuart node: a PTY or raw-mode TTY file the guest's
// power-manager agent reads and writes, guarded by a single lock so a
// shutdown write from Stop never interleaves with ordinary traffic. The
// backing file is held as an io.ReadWriteCloser rather than *os.File so
// tests can stand in a pipe for a real PTY/TTY node.
type VUart struct {
	mu   sync.Mutex
	f    io.ReadWriteCloser
	log  *slog.Logger
	kind NodeType
}

// OpenPTY opens path as a PTY-link node (the Service VM end of a
// pty,/run/acrn/vuart-vmN link set up out of band by -l com2,<path>).
func OpenPTY(path string, log *slog.Logger) (*VUart, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("power: open pty node %s: %w", path, err)
	}
	return newVUart(os.NewFile(uintptr(fd), path), NodePTY, log), nil
}

// OpenTTY opens path as a raw-mode TTY node at 115200 baud, matching
// pm_vuart.c's set_tty_attr: input/output/local processing disabled,
// 8N1, one-byte read granularity.
func OpenTTY(path string, log *slog.Logger) (*VUart, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("power: open tty node %s: %w", path, err)
	}
	if err := setRawMode(fd); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("power: set raw mode on %s: %w", path, err)
	}
	return newVUart(os.NewFile(uintptr(fd), path), NodeTTY, log), nil
}

func newVUart(f io.ReadWriteCloser, kind NodeType, log *slog.Logger) *VUart {
	if log == nil {
		log = slog.Default()
	}
	return &VUart{f: f, kind: kind, log: log}
}

// setRawMode applies pm_vuart.c's set_tty_attr flag set via termios
// ioctls: ICANON/ECHO/ISIG/IEXTEN cleared, OPOST cleared, CS8, VMIN=1,
// VTIME=1, at 115200 baud.
func setRawMode(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Cflag |= unix.CLOCAL | unix.CREAD | unix.CS8
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 1

	t.Cflag &^= unix.CBAUD
	t.Cflag |= unix.B115200
	t.Ispeed = unix.B115200
	t.Ospeed = unix.B115200

	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}

// Read reads guest-originated bytes from the node.
func (v *VUart) Read(p []byte) (int, error) {
	return v.f.Read(p)
}

// Write sends bytes to the node, serialized against a concurrent Stop.
func (v *VUart) Write(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.f.Write(p)
}

// Stop is vm_stop_handler: write the shutdown command into the node so
// the guest's power agent sees it and powers off.
func (v *VUart) Stop() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	n, err := v.f.Write([]byte(ShutdownCommand))
	if err != nil {
		return fmt.Errorf("power: send shutdown command: %w", err)
	}
	if n != len(ShutdownCommand) {
		return fmt.Errorf("power: short write sending shutdown command (%d/%d)", n, len(ShutdownCommand))
	}
	return nil
}

// Close releases the node.
func (v *VUart) Close() error {
	return v.f.Close()
}

// Monitor is the pm_monitor_loop equivalent: it relays node traffic to
// a life-cycle manager socket and vice versa. It holds no Controller;
// Run returns when that connection drops.
type Monitor struct {
	vuart *VUart
	conn  net.Conn
	log   *slog.Logger
}

// NewMonitor dials addr (the Service VM's life_mngr socket) and pairs it
// with vuart, mirroring pm_setup_socket's 127.0.0.1:0x2000 TCP endpoint.
func NewMonitor(vuart *VUart, addr string, log *slog.Logger) (*Monitor, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("power: dial life-cycle manager %s: %w", addr, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{vuart: vuart, conn: conn, log: log}, nil
}

// Run relays traffic in both directions until ctx-independent EOF or
// error on either side, then returns so the caller can trigger shutdown.
func (m *Monitor) Run() error {
	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(m.conn, m.vuart)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(m.vuart, m.conn)
		errc <- err
	}()
	return <-errc
}

// Close tears down the monitor's socket connection.
func (m *Monitor) Close() error {
	return m.conn.Close()
}
