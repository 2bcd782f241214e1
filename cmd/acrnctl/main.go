// Command acrnctl is the operator-facing control CLI for the ACRN
// device model (spec.md §6): list, start, stop, add, del, and the
// pause/continue/suspend/resume/reset lifecycle verbs, all expressed as
// mgmt IPC requests against a running acrn-dm's per-VM socket.
//
// Grounded on cmd/cc/main.go's flag-parsing idiom, adapted
// from a single-command tool to a subcommand dispatcher the way the
// stdlib's own `go` tool structures itself: os.Args[1] selects the verb,
// and each verb gets its own flag.FlagSet for verb-specific options.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/mgmt"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/vmconfig"
)

const (
	defaultAddDir  = "/opt/acrn/conf/add"
	defaultMngrDir = "/run/acrn/mngr"

	// defaultGracePeriod is spec.md §5's "VM stop flows ... if the guest
	// does not transition within a caller-chosen grace period (default
	// 30s), the caller escalates."
	defaultGracePeriod = 30 * time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "acrnctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: acrnctl <command> [args...]

Commands:
  list
  start <name>
  stop <names...>
  add <script> [-name name] [-config descriptor.yaml] [-args "..."]
  del <names...>
  pause <names...>
  continue <names...>
  suspend <names...>
  resume <names...>
  reset <names...>
`)
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("command required")
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "list":
		return cmdList(defaultAddDir, defaultMngrDir)
	case "start":
		if len(rest) != 1 {
			return fmt.Errorf("usage: acrnctl start <name>")
		}
		return cmdStart(defaultAddDir, rest[0], log)
	case "stop":
		if len(rest) == 0 {
			return fmt.Errorf("usage: acrnctl stop <names...>")
		}
		return cmdStop(defaultMngrDir, rest, defaultGracePeriod, log)
	case "add":
		return cmdAdd(defaultAddDir, rest)
	case "del":
		if len(rest) == 0 {
			return fmt.Errorf("usage: acrnctl del <names...>")
		}
		return cmdDel(defaultAddDir, rest)
	case "pause":
		return cmdSignal(defaultMngrDir, rest, mgmt.MsgDMPause)
	case "continue":
		return cmdSignal(defaultMngrDir, rest, mgmt.MsgDMContinue)
	case "suspend":
		return cmdSignal(defaultMngrDir, rest, mgmt.MsgDMSuspend)
	case "resume":
		return cmdSignal(defaultMngrDir, rest, mgmt.MsgDMResume)
	case "reset":
		return cmdReset(defaultAddDir, defaultMngrDir, rest, defaultGracePeriod, log)
	case "-h", "-help", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// registeredVM is one entry under addDir: a launch script plus its
// argument file, matching spec.md §6's "scripts are placed into
// /opt/acrn/conf/add/<name>.sh and their args in
// /opt/acrn/conf/add/<name>.args."
type registeredVM struct {
	name       string
	scriptPath string
	argsPath   string
}

func listRegistered(addDir string) ([]registeredVM, error) {
	entries, err := os.ReadDir(addDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", addDir, err)
	}
	var vms []registeredVM
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sh") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".sh")
		vms = append(vms, registeredVM{
			name:       name,
			scriptPath: filepath.Join(addDir, e.Name()),
			argsPath:   filepath.Join(addDir, name+".args"),
		})
	}
	sort.Slice(vms, func(i, j int) bool { return vms[i].name < vms[j].name })
	return vms, nil
}

// isRunning reports whether name has a live DM socket in mngrDir.
func isRunning(mngrDir, name string) bool {
	entries, err := os.ReadDir(mngrDir)
	if err != nil {
		return false
	}
	prefix := name + "."
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".socket") {
			return true
		}
	}
	return false
}

func cmdList(addDir, mngrDir string) error {
	vms, err := listRegistered(addDir)
	if err != nil {
		return err
	}
	if len(vms) == 0 {
		fmt.Println("no VMs registered")
		return nil
	}
	for _, vm := range vms {
		state := "stopped"
		if isRunning(mngrDir, vm.name) {
			state = "running"
		}
		fmt.Printf("%-24s %s\n", vm.name, state)
	}
	return nil
}

func cmdStart(addDir, name string, log *slog.Logger) error {
	scriptPath := filepath.Join(addDir, name+".sh")
	argsPath := filepath.Join(addDir, name+".args")

	if _, err := os.Stat(scriptPath); err != nil {
		return fmt.Errorf("vm %q is not registered: %w", name, err)
	}

	var extraArgs []string
	if data, err := os.ReadFile(argsPath); err == nil {
		extraArgs = strings.Fields(string(data))
	}

	cmdArgs := append([]string{scriptPath}, extraArgs...)
	c := exec.Command("/bin/sh", cmdArgs...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	if err := c.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	log.Info("acrnctl: started vm", "name", name, "pid", c.Process.Pid)
	return c.Process.Release()
}

func cmdAdd(addDir string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: acrnctl add <script> [-name name] [-config descriptor.yaml] [-args \"...\"]")
	}
	script := args[0]
	rest := args[1:]

	var name, configPath, extraArgs string
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "-name":
			i++
			if i >= len(rest) {
				return fmt.Errorf("-name requires a value")
			}
			name = rest[i]
		case "-config":
			i++
			if i >= len(rest) {
				return fmt.Errorf("-config requires a value")
			}
			configPath = rest[i]
		case "-args":
			i++
			if i >= len(rest) {
				return fmt.Errorf("-args requires a value")
			}
			extraArgs = rest[i]
		default:
			return fmt.Errorf("unknown add option %q", rest[i])
		}
	}

	if configPath != "" {
		desc, err := vmconfig.Load(configPath)
		if err != nil {
			return err
		}
		if name == "" {
			name = desc.Name
		}
	}
	if name == "" {
		base := filepath.Base(script)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	if err := os.MkdirAll(addDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", addDir, err)
	}

	data, err := os.ReadFile(script)
	if err != nil {
		return fmt.Errorf("read script %s: %w", script, err)
	}
	scriptPath := filepath.Join(addDir, name+".sh")
	if err := os.WriteFile(scriptPath, data, 0o755); err != nil {
		return fmt.Errorf("write %s: %w", scriptPath, err)
	}

	argsPath := filepath.Join(addDir, name+".args")
	if configPath != "" {
		extraArgs = strings.TrimSpace(extraArgs + " -config " + configPath)
	}
	if err := os.WriteFile(argsPath, []byte(extraArgs+"\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", argsPath, err)
	}

	fmt.Printf("registered %s\n", name)
	return nil
}

func cmdDel(addDir string, names []string) error {
	var firstErr error
	for _, name := range names {
		scriptPath := filepath.Join(addDir, name+".sh")
		argsPath := filepath.Join(addDir, name+".args")
		if err := os.Remove(scriptPath); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
		os.Remove(argsPath)
	}
	return firstErr
}

// cmdSignal sends msgID to every named VM's DM socket without waiting
// for the guest to react, for the pause/continue/suspend/resume verbs.
func cmdSignal(mngrDir string, names []string, msgID uint32) error {
	if len(names) == 0 {
		return fmt.Errorf("at least one VM name is required")
	}
	var firstErr error
	for _, name := range names {
		if err := sendAndWait(mngrDir, name, msgID, 5*time.Second); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func sendAndWait(mngrDir, name string, msgID uint32, timeout time.Duration) error {
	cl, err := mgmt.Dial(mngrDir, name)
	if err != nil {
		return fmt.Errorf("vm %q: %w", name, err)
	}
	defer cl.Close()

	req := mgmt.NewMessage(msgID, uint64(time.Now().Unix()), nil)
	if _, err := cl.SendMsg(req, timeout); err != nil {
		return fmt.Errorf("vm %q: %w", name, err)
	}
	return nil
}

// cmdStop implements the stop verb's grace period: send DM_STOP, then
// poll for the DM socket to disappear (the device model has exited),
// showing a countdown; if the grace period elapses the caller is told
// to escalate rather than this command doing so unilaterally, since
// acrnctl has no reliable pid record beyond the socket file name.
func cmdStop(mngrDir string, names []string, grace time.Duration, log *slog.Logger) error {
	var firstErr error
	for _, name := range names {
		if err := stopOne(mngrDir, name, grace, log); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func stopOne(mngrDir, name string, grace time.Duration, log *slog.Logger) error {
	if err := sendAndWait(mngrDir, name, mgmt.MsgDMStop, 5*time.Second); err != nil {
		return err
	}

	bar := progressbar.Default(int64(grace.Seconds()), fmt.Sprintf("stopping %s", name))
	defer bar.Close()

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !isRunning(mngrDir, name) {
			bar.Finish()
			log.Info("acrnctl: vm stopped", "name", name)
			return nil
		}
		bar.Add(1)
		time.Sleep(1 * time.Second)
	}
	bar.Finish()
	return fmt.Errorf("vm %q did not stop within %s, escalate manually (e.g. kill the acrn-dm process)", name, grace)
}

// cmdReset has no direct mgmt message of its own (spec.md §6 names it
// alongside pause/continue/suspend/resume, but §4.11's DM message set
// has no RESET id); it is implemented as stop-then-start, the same
// end-to-end effect a full VM reset has from acrnctl's point of view.
func cmdReset(addDir, mngrDir string, names []string, grace time.Duration, log *slog.Logger) error {
	for _, name := range names {
		if err := stopOne(mngrDir, name, grace, log); err != nil {
			return err
		}
		if err := cmdStart(addDir, name, log); err != nil {
			return err
		}
	}
	return nil
}
