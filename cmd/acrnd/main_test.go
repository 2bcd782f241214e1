package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/mgmt"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTimerPayloadRoundTrip(t *testing.T) {
	want := time.Unix(1700000000, 0)
	payload := encodeTimerPayload(want, "vm0")

	got, name, err := decodeTimerPayload(payload)
	if err != nil {
		t.Fatalf("decodeTimerPayload: %v", err)
	}
	if name != "vm0" {
		t.Fatalf("name = %q, want vm0", name)
	}
	if !got.Equal(want) {
		t.Fatalf("expireAt = %v, want %v", got, want)
	}
}

func TestDecodeTimerPayloadRejectsShortPayload(t *testing.T) {
	if _, _, err := decodeTimerPayload([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for undersized payload")
	}
}

func TestTimerLineRoundTrip(t *testing.T) {
	rec := timerRecord{
		vmName:     "vm1",
		expireAt:   time.Unix(1700000100, 0),
		recordedAt: time.Unix(1700000000, 0),
	}
	got, err := parseTimerLine(rec.line())
	if err != nil {
		t.Fatalf("parseTimerLine: %v", err)
	}
	if got != rec {
		t.Fatalf("got %+v, want %+v", got, rec)
	}
}

func TestParseTimerLineRejectsMalformed(t *testing.T) {
	if _, err := parseTimerLine("not-enough-fields"); err == nil {
		t.Fatalf("expected error for malformed line")
	}
}

func TestSaveAndLoadTimerListRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "timer_list")

	records := map[string]timerRecord{
		"vm0": {vmName: "vm0", expireAt: time.Unix(1700000100, 0), recordedAt: time.Unix(1700000000, 0)},
		"vm1": {vmName: "vm1", expireAt: time.Unix(1700000200, 0), recordedAt: time.Unix(1700000050, 0)},
	}
	if err := saveTimerList(path, records); err != nil {
		t.Fatalf("saveTimerList: %v", err)
	}

	got, err := loadTimerList(path)
	if err != nil {
		t.Fatalf("loadTimerList: %v", err)
	}
	if len(got) != 2 || got["vm0"] != records["vm0"] || got["vm1"] != records["vm1"] {
		t.Fatalf("loadTimerList = %+v, want %+v", got, records)
	}
}

func TestLoadTimerListMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	got, err := loadTimerList(filepath.Join(dir, "does-not-exist"))
	if err != nil {
		t.Fatalf("loadTimerList: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty map, got %+v", got)
	}
}

func TestSupervisorHandleArmsAndClearsTimer(t *testing.T) {
	dir := t.TempDir()
	sup, err := newSupervisor(filepath.Join(dir, "timer_list"), discardLogger())
	if err != nil {
		t.Fatalf("newSupervisor: %v", err)
	}

	payload := encodeTimerPayload(time.Now().Add(time.Hour), "vm0")
	req := mgmt.NewMessage(mgmt.MsgAcrndTimer, 1, payload)
	ack, sendAck := sup.handle(req)
	if !sendAck {
		t.Fatalf("expected an ack for ACRND_TIMER")
	}
	if ack.ID != mgmt.MsgAcrndTimer {
		t.Fatalf("ack id = %d, want %d", ack.ID, mgmt.MsgAcrndTimer)
	}

	sup.mu.Lock()
	_, armed := sup.records["vm0"]
	sup.mu.Unlock()
	if !armed {
		t.Fatalf("expected vm0 to have an armed timer record")
	}

	stopReq := mgmt.NewMessage(mgmt.MsgAcrndStop, 2, payload)
	if _, sendAck := sup.handle(stopReq); !sendAck {
		t.Fatalf("expected an ack for ACRND_STOP")
	}

	sup.mu.Lock()
	_, stillArmed := sup.records["vm0"]
	sup.mu.Unlock()
	if stillArmed {
		t.Fatalf("expected vm0's timer record to be cleared after ACRND_STOP")
	}
}

func TestSupervisorHandleRejectsUnknownMessage(t *testing.T) {
	dir := t.TempDir()
	sup, err := newSupervisor(filepath.Join(dir, "timer_list"), discardLogger())
	if err != nil {
		t.Fatalf("newSupervisor: %v", err)
	}
	if _, sendAck := sup.handle(mgmt.NewMessage(999, 1, nil)); sendAck {
		t.Fatalf("expected no ack for an unknown message id")
	}
}

func TestSupervisorScheduleAllFiresExpiredTimerPromptly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "timer_list")
	records := map[string]timerRecord{
		"vm0": {vmName: "vm0", expireAt: time.Now().Add(-time.Minute), recordedAt: time.Now()},
	}
	if err := saveTimerList(path, records); err != nil {
		t.Fatalf("saveTimerList: %v", err)
	}

	sup, err := newSupervisor(path, discardLogger())
	if err != nil {
		t.Fatalf("newSupervisor: %v", err)
	}
	sup.scheduleAll()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sup.mu.Lock()
		_, stillThere := sup.records["vm0"]
		sup.mu.Unlock()
		if !stillThere {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected the already-expired timer to fire and clear vm0")
}
