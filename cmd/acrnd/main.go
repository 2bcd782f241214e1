// Command acrnd is the resident supervisor daemon: it owns the acrnd
// management socket that per-VM device models use to register and clear
// wake timers, and persists pending timers to disk so a daemon restart
// doesn't lose a scheduled resume (spec.md §4.11, §6).
//
// Grounded on cmd/cc/main.go's flag/run()/slog idiom, plus
// github.com/coreos/go-systemd/v22/daemon for the readiness and
// watchdog notifications a resident systemd unit is expected to send.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/mgmt"
)

const defaultTimerList = "/opt/acrn/conf/timer_list"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "acrnd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	mngrDir := flag.String("mngr-dir", "/run/acrn/mngr", "Management IPC socket directory")
	timerListPath := flag.String("timer-list", defaultTimerList, "Path to the persisted timer list")
	logJSON := flag.Bool("log-json", false, "Emit logs as JSON instead of text")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	var log *slog.Logger
	if *logJSON {
		log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	} else {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	slog.SetDefault(log)

	sup, err := newSupervisor(*timerListPath, log)
	if err != nil {
		return fmt.Errorf("load timer list: %w", err)
	}

	if err := os.MkdirAll(*mngrDir, 0o755); err != nil {
		return fmt.Errorf("create mgmt dir: %w", err)
	}
	sockPath := filepath.Join(*mngrDir, mgmt.SocketName("acrnd", os.Getpid()))
	srv, err := mgmt.Listen(mgmt.RoleAcrnd, sockPath, sup.handle, log)
	if err != nil {
		return fmt.Errorf("listen acrnd socket: %w", err)
	}
	defer srv.Close()
	go func() {
		if err := srv.Serve(); err != nil {
			log.Warn("mgmt: acrnd server stopped", "error", err)
		}
	}()

	sup.scheduleAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.runWatchdog(ctx, log)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug("systemd: sd_notify READY failed", "error", err)
	} else if ok {
		log.Info("systemd: notified ready")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("acrnd: shutting down")
	return sup.save()
}

// timerRecord is one line of the persisted timer list: a pending wake
// for vmName at ExpireAt, last touched at RecordedAt, matching spec.md
// §4.11's "<vmname>\t<absolute-expire-time>\t<record-time>" format.
type timerRecord struct {
	vmName     string
	expireAt   time.Time
	recordedAt time.Time
}

func parseTimerLine(line string) (timerRecord, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 3 {
		return timerRecord{}, fmt.Errorf("malformed timer record %q", line)
	}
	expireUnix, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return timerRecord{}, fmt.Errorf("timer record %q: bad expire time: %w", line, err)
	}
	recordedUnix, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return timerRecord{}, fmt.Errorf("timer record %q: bad record time: %w", line, err)
	}
	return timerRecord{
		vmName:     fields[0],
		expireAt:   time.Unix(expireUnix, 0),
		recordedAt: time.Unix(recordedUnix, 0),
	}, nil
}

func (r timerRecord) line() string {
	return fmt.Sprintf("%s\t%d\t%d", r.vmName, r.expireAt.Unix(), r.recordedAt.Unix())
}

func loadTimerList(path string) (map[string]timerRecord, error) {
	records := make(map[string]timerRecord)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return records, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, err := parseTimerLine(line)
		if err != nil {
			return nil, err
		}
		records[rec.vmName] = rec
	}
	return records, scanner.Err()
}

func saveTimerList(path string, records map[string]timerRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, rec := range records {
		fmt.Fprintln(w, rec.line())
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// supervisor owns the in-memory timer table and schedules a goroutine
// per pending timer so a resume fires even if no further message ever
// arrives for that VM.
type supervisor struct {
	path string
	log  *slog.Logger

	mu      sync.Mutex
	records map[string]timerRecord
	timers  map[string]*time.Timer
}

func newSupervisor(path string, log *slog.Logger) (*supervisor, error) {
	records, err := loadTimerList(path)
	if err != nil {
		return nil, err
	}
	return &supervisor{
		path:    path,
		log:     log,
		records: records,
		timers:  make(map[string]*time.Timer),
	}, nil
}

func (s *supervisor) scheduleAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, rec := range s.records {
		s.armLocked(name, rec)
	}
}

func (s *supervisor) armLocked(name string, rec timerRecord) {
	if t, ok := s.timers[name]; ok {
		t.Stop()
	}
	d := time.Until(rec.expireAt)
	if d < 0 {
		d = 0
	}
	s.timers[name] = time.AfterFunc(d, func() { s.fire(name) })
}

func (s *supervisor) fire(name string) {
	s.mu.Lock()
	_, ok := s.records[name]
	delete(s.records, name)
	delete(s.timers, name)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.log.Info("acrnd: timer expired", "vm", name)
	if err := s.save(); err != nil {
		s.log.Warn("acrnd: save timer list after fire", "error", err)
	}
}

func (s *supervisor) save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveTimerList(s.path, s.records)
}

// encodeTimerPayload packs the wake time and VM name a device model
// sends with ACRND_TIMER into the message's fixed payload: an 8-byte
// native-endian Unix timestamp followed by the VM name.
func encodeTimerPayload(expireAt time.Time, vmName string) []byte {
	buf := make([]byte, 8+len(vmName))
	binary.NativeEndian.PutUint64(buf[:8], uint64(expireAt.Unix()))
	copy(buf[8:], vmName)
	return buf
}

func decodeTimerPayload(payload []byte) (time.Time, string, error) {
	if len(payload) < 8 {
		return time.Time{}, "", fmt.Errorf("timer payload too short")
	}
	expireUnix := binary.NativeEndian.Uint64(payload[:8])
	name := strings.TrimRight(string(payload[8:]), "\x00")
	if name == "" {
		return time.Time{}, "", fmt.Errorf("timer payload has no vm name")
	}
	return time.Unix(int64(expireUnix), 0), name, nil
}

// handle answers the acrnd role socket's message set (spec.md §4.11):
// ACRND_TIMER arms or rearms a persisted wake for the sending VM,
// ACRND_STOP and ACRND_RESUME clear it (the VM no longer needs acrnd to
// wake it), ACRND_SUSPEND leaves it armed, and DM_NOTIFY is a generic,
// payload-free heartbeat that is acknowledged but otherwise ignored.
func (s *supervisor) handle(req mgmt.Message) (mgmt.Message, bool) {
	switch req.ID {
	case mgmt.MsgAcrndTimer:
		expireAt, name, err := decodeTimerPayload(req.Payload[:])
		if err != nil {
			s.log.Warn("acrnd: bad timer payload", "error", err)
			return mgmt.Message{}, false
		}
		rec := timerRecord{vmName: name, expireAt: expireAt, recordedAt: time.Now()}
		s.mu.Lock()
		s.records[name] = rec
		s.armLocked(name, rec)
		s.mu.Unlock()
		if err := s.save(); err != nil {
			s.log.Warn("acrnd: save timer list", "error", err)
		}
	case mgmt.MsgAcrndStop, mgmt.MsgAcrndResume:
		_, name, err := decodeTimerPayload(req.Payload[:])
		if err == nil {
			s.clear(name)
		}
	case mgmt.MsgAcrndSuspend:
		// Timer stays armed across suspend; nothing to do.
	case mgmt.MsgDMNotify:
		s.log.Debug("acrnd: dm notify received")
	default:
		s.log.Warn("acrnd: unknown message id", "id", req.ID)
		return mgmt.Message{}, false
	}
	return mgmt.NewMessage(req.ID, req.Timestamp, nil), true
}

func (s *supervisor) clear(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
	}
	delete(s.records, name)
}

// runWatchdog sends periodic WATCHDOG=1 notifications at half the
// interval systemd configured via WatchdogSec, if any, so the unit file
// can restart acrnd without having to also poll its liveness itself.
func (s *supervisor) runWatchdog(ctx context.Context, log *slog.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Debug("systemd: sd_notify WATCHDOG failed", "error", err)
			}
		}
	}
}
