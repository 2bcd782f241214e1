package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/mgmt"
)

func TestCmdAddWritesScriptAndArgs(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "launch.sh")
	if err := os.WriteFile(scriptPath, []byte("#!/bin/sh\necho hi\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	addDir := filepath.Join(dir, "add")
	if err := cmdAdd(addDir, []string{scriptPath, "-name", "vm0", "-args", "-lowmem 512"}); err != nil {
		t.Fatalf("cmdAdd: %v", err)
	}

	vms, err := listRegistered(addDir)
	if err != nil {
		t.Fatalf("listRegistered: %v", err)
	}
	if len(vms) != 1 || vms[0].name != "vm0" {
		t.Fatalf("listRegistered = %+v, want one entry named vm0", vms)
	}

	args, err := os.ReadFile(filepath.Join(addDir, "vm0.args"))
	if err != nil {
		t.Fatalf("read args file: %v", err)
	}
	if string(args) != "-lowmem 512\n" {
		t.Fatalf("args file = %q, want %q", args, "-lowmem 512\n")
	}
}

func TestCmdDelRemovesRegistration(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "launch.sh")
	os.WriteFile(scriptPath, []byte("#!/bin/sh\n"), 0o755)

	addDir := filepath.Join(dir, "add")
	if err := cmdAdd(addDir, []string{scriptPath, "-name", "vm0"}); err != nil {
		t.Fatalf("cmdAdd: %v", err)
	}
	if err := cmdDel(addDir, []string{"vm0"}); err != nil {
		t.Fatalf("cmdDel: %v", err)
	}

	vms, err := listRegistered(addDir)
	if err != nil {
		t.Fatalf("listRegistered: %v", err)
	}
	if len(vms) != 0 {
		t.Fatalf("expected no registrations after del, got %+v", vms)
	}
}

func TestIsRunningDetectsLiveSocket(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, mgmt.SocketName("vm0", os.Getpid()))
	srv, err := mgmt.Listen(mgmt.RoleDM, sockPath, func(mgmt.Message) (mgmt.Message, bool) { return mgmt.Message{}, false }, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	if !isRunning(dir, "vm0") {
		t.Fatalf("expected vm0 to be reported running")
	}
	if isRunning(dir, "vm1") {
		t.Fatalf("expected vm1 to be reported stopped")
	}
}

func TestCmdSignalSendsMessageToRunningVM(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, mgmt.SocketName("vm0", os.Getpid()))

	received := make(chan uint32, 1)
	srv, err := mgmt.Listen(mgmt.RoleDM, sockPath, func(req mgmt.Message) (mgmt.Message, bool) {
		received <- req.ID
		return mgmt.NewMessage(req.ID, req.Timestamp, nil), true
	}, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	if err := cmdSignal(dir, []string{"vm0"}, mgmt.MsgDMPause); err != nil {
		t.Fatalf("cmdSignal: %v", err)
	}

	select {
	case id := <-received:
		if id != mgmt.MsgDMPause {
			t.Fatalf("server received id %d, want %d", id, mgmt.MsgDMPause)
		}
	default:
		t.Fatalf("server never received the pause message")
	}
}

func TestCmdSignalRequiresAtLeastOneName(t *testing.T) {
	if err := cmdSignal(t.TempDir(), nil, mgmt.MsgDMPause); err == nil {
		t.Fatalf("expected an error with no VM names")
	}
}

func TestCmdListReportsStoppedWhenNoSocket(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "launch.sh")
	os.WriteFile(scriptPath, []byte("#!/bin/sh\n"), 0o755)
	addDir := filepath.Join(dir, "add")
	if err := cmdAdd(addDir, []string{scriptPath, "-name", "vm0"}); err != nil {
		t.Fatalf("cmdAdd: %v", err)
	}

	mngrDir := filepath.Join(dir, "mngr")
	if err := os.MkdirAll(mngrDir, 0o755); err != nil {
		t.Fatalf("mkdir mngr: %v", err)
	}
	if err := cmdList(addDir, mngrDir); err != nil {
		t.Fatalf("cmdList: %v", err)
	}
}
