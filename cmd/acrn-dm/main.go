// Command acrn-dm is the per-VM device-model daemon: it owns one guest's
// hypervisor handle, memory map, and emulated device set for the
// lifetime of the VM, and answers the control messages acrnctl sends it
// over the DM management socket (spec.md §4.11).
//
// Grounded on cmd/cc/main.go's shape: a flag-parsing run() that
// returns an error instead of calling os.Exit directly, a slog logger
// installed as the process default before anything else runs, and a
// structured, explicit teardown on every return path.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/cbc"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/chipset"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/iothread"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/mevent"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/mgmt"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/power"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/tpmcrb"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/vhpet"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/vmconfig"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/vmctx"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/vpit"
)

// hpetBase and pitGSI are the fixed placement chosen for this device
// model's two built-in timer emulators; neither the hypervisor nor the
// guest firmware expects them to move between VMs.
const (
	hpetBase = 0xFED00000
	pitGSI   = 0
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "acrn-dm: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	name := flag.String("name", "", "VM name (required unless -config is given)")
	uuidStr := flag.String("uuid", "", "VM UUID, 8-4-4-4-12 form")
	config := flag.String("config", "", "Load VM descriptor from this YAML file instead of flags")
	lowmem := flag.Uint64("lowmem", 1024, "Low memory size in MiB")
	highmem := flag.Uint64("highmem", 0, "High memory size in MiB")
	biosmem := flag.Uint64("biosmem", 0, "Reserved BIOS/ACPI NVS memory in MiB")
	fbmem := flag.Uint64("fbmem", 0, "Graphics framebuffer reservation in MiB")
	affinity := flag.Uint64("cpu-affinity", ^uint64(0), "vCPU affinity bitmask")
	iothreadsOpt := flag.String("iothreads", "", "iothread topology, e.g. 2@0,1/2,3")
	vuartType := flag.String("pm-vuart-type", "", "pm-vuart node kind: pty or tty (omit to disable)")
	vuartPath := flag.String("pm-vuart-path", "", "pm-vuart node path")
	vuartMonitor := flag.String("pm-vuart-monitor", "", "Service VM monitor listen address for pm-vuart (optional)")
	tpmSocket := flag.String("tpm-socket", "", "swtpm control socket path (omit to disable TPM-CRB)")
	mngrDir := flag.String("mngr-dir", "/run/acrn/mngr", "Management IPC socket directory")
	hugetlbDir := flag.String("hugetlb-dir", "/dev/hugepages", "hugetlbfs mount used for guest memory")
	logJSON := flag.Bool("log-json", false, "Emit logs as JSON instead of text")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -name <vm> -uuid <uuid> [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run the device-model daemon for one ACRN guest.\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	log := newLogger(*debug, *logJSON)
	slog.SetDefault(log)

	desc, err := resolveDescriptor(*config, *name, *uuidStr, *lowmem, *highmem, *biosmem, *fbmem, *affinity, *iothreadsOpt, *tpmSocket)
	if err != nil {
		return err
	}

	uuid, err := vmconfig.ParseUUID(desc.UUID)
	if err != nil {
		return err
	}

	loop, err := mevent.New(log)
	if err != nil {
		return fmt.Errorf("create event loop: %w", err)
	}
	defer loop.Close()

	lowmemB, highmemB, biosmemB, fbmemB := desc.MemorySizes()
	vm, err := vmctx.New(desc.Name, uuid, lowmemB, highmemB, biosmemB, fbmemB, nil, vmctx.WithLogger(log))
	if err != nil {
		return fmt.Errorf("build vm context: %w", err)
	}

	builder := chipset.NewBuilder()

	hpet := vhpet.New(hpetBase, vm, loop, log)
	if err := hpet.Init(vm); err != nil {
		return fmt.Errorf("init vhpet: %w", err)
	}
	if err := builder.RegisterDevice("vhpet", hpet); err != nil {
		return fmt.Errorf("register vhpet: %w", err)
	}

	pit := vpit.New(loop, pitGSI, log)
	if err := pit.Init(vm); err != nil {
		return fmt.Errorf("init vpit: %w", err)
	}
	if err := builder.RegisterDevice("vpit", pit); err != nil {
		return fmt.Errorf("register vpit: %w", err)
	}

	if desc.TPMSocket != "" {
		swtpm, err := tpmcrb.Dial(desc.TPMSocket)
		if err != nil {
			return fmt.Errorf("dial swtpm: %w", err)
		}
		defer swtpm.Close()
		tpm := tpmcrb.New(swtpm, tpmcrb.WithLogger(log))
		if err := tpm.Init(vm); err != nil {
			return fmt.Errorf("init tpm-crb: %w", err)
		}
		if err := builder.RegisterDevice("tpmcrb", tpm); err != nil {
			return fmt.Errorf("register tpm-crb: %w", err)
		}
		defer tpm.Stop()
	}

	chip, err := builder.Build()
	if err != nil {
		return fmt.Errorf("build chipset: %w", err)
	}
	vm.SetChipset(chip)

	if err := vm.Create(desc.CPUAffinity, 0); err != nil {
		return fmt.Errorf("create vm: %w", err)
	}
	defer vm.Destroy()

	if err := vm.InitVMEvents(loop); err != nil {
		return fmt.Errorf("init vm events: %w", err)
	}

	if err := vm.SetupMemory(*hugetlbDir); err != nil {
		return fmt.Errorf("setup memory: %w", err)
	}
	defer vm.UnsetupMemory()

	var pool *iothread.Pool
	if desc.IOThreads != "" {
		count, masks, err := iothread.ParseOptions(desc.IOThreads)
		if err != nil {
			return fmt.Errorf("parse iothreads: %w", err)
		}
		pool, err = iothread.New(desc.Name, count, masks, log)
		if err != nil {
			return fmt.Errorf("build iothread pool: %w", err)
		}
		defer pool.Deinit()
		if err := pool.Create(context.Background()); err != nil {
			return fmt.Errorf("start iothread pool: %w", err)
		}
	}

	ctrl := power.NewController(log)

	var vuart *power.VUart
	if *vuartType != "" {
		if *vuartPath == "" {
			return fmt.Errorf("-pm-vuart-path is required with -pm-vuart-type")
		}
		switch *vuartType {
		case "pty":
			vuart, err = power.OpenPTY(*vuartPath, log)
		case "tty":
			vuart, err = power.OpenTTY(*vuartPath, log)
		default:
			return fmt.Errorf("unknown -pm-vuart-type %q, want pty or tty", *vuartType)
		}
		if err != nil {
			return fmt.Errorf("open pm-vuart: %w", err)
		}
		defer vuart.Close()

		if *vuartMonitor != "" {
			mon, err := power.NewMonitor(vuart, *vuartMonitor, log)
			if err != nil {
				return fmt.Errorf("listen pm-vuart monitor: %w", err)
			}
			defer mon.Close()
			go mon.Run()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if vuart != nil && len(desc.Channels()) > 0 {
		ioc := cbc.NewIOC(vuart, log)
		go func() {
			if err := ioc.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("cbc: ioc stopped unexpectedly", "error", err)
			}
		}()
		defer ioc.Lifecycle().Fire(cbc.EventShutdown)
	}

	if err := os.MkdirAll(*mngrDir, 0o755); err != nil {
		return fmt.Errorf("create mgmt dir: %w", err)
	}
	sockPath := filepath.Join(*mngrDir, mgmt.SocketName(desc.Name, os.Getpid()))
	srv, err := mgmt.Listen(mgmt.RoleDM, sockPath, dmHandler(ctrl, vm, chip, log), log)
	if err != nil {
		return fmt.Errorf("listen mgmt socket: %w", err)
	}
	defer srv.Close()
	go func() {
		if err := srv.Serve(); err != nil {
			log.Warn("mgmt: dm server stopped", "error", err)
		}
	}()

	if err := chip.Start(); err != nil {
		return fmt.Errorf("start chipset: %w", err)
	}
	defer chip.Stop()

	if err := vm.AttachIoreqLoop(loop); err != nil {
		return fmt.Errorf("attach ioreq client: %w", err)
	}
	defer vm.DetachIoreqLoop(loop)

	if err := vm.Run(); err != nil {
		return fmt.Errorf("start vm: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		ctrl.Set(power.ModePoweroff)
	}()

	log.Info("acrn-dm: running", "vm", desc.Name, "vmid_affinity", desc.CPUAffinity)
	if err := loop.Dispatch(func() bool { return power.Terminal(ctrl.Mode()) }); err != nil {
		return fmt.Errorf("dispatch loop: %w", err)
	}
	log.Info("acrn-dm: terminal suspend mode reached, shutting down", "mode", ctrl.Mode())
	return nil
}

// resolveDescriptor builds a vmconfig.Descriptor either from -config or
// from the individual -name/-uuid/... flags, validating either way.
func resolveDescriptor(configPath, name, uuidStr string, lowmem, highmem, biosmem, fbmem, affinity uint64, iothreads, tpmSocket string) (vmconfig.Descriptor, error) {
	if configPath != "" {
		return vmconfig.Load(configPath)
	}
	if name == "" || uuidStr == "" {
		return vmconfig.Descriptor{}, fmt.Errorf("-name and -uuid are required when -config is not given")
	}
	desc := vmconfig.Descriptor{
		Name:        name,
		UUID:        uuidStr,
		LowMemMB:    lowmem,
		HighMemMB:   highmem,
		BIOSMemMB:   biosmem,
		FBMemMB:     fbmem,
		CPUAffinity: affinity,
		IOThreads:   iothreads,
		TPMSocket:   tpmSocket,
	}
	if err := desc.Validate(); err != nil {
		return vmconfig.Descriptor{}, err
	}
	return desc, nil
}

// dmHandler answers the DM per-VM socket's message set (spec.md §4.11):
// STOP/SUSPEND/RESUME drive the suspend-mode controller directly, PAUSE
// and CONTINUE issue PAUSE_VM/START_VM against the hypervisor (vcpus
// actually stop and resume executing, not just the local chipset poll
// loop), QUERY acks with the current mode as its payload's first byte,
// and BLKRESCAN is acknowledged but otherwise a no-op (no block device
// model is wired into this tree yet).
func dmHandler(ctrl *power.Controller, vm *vmctx.VM, chip *chipset.Chipset, log *slog.Logger) mgmt.Handler {
	return func(req mgmt.Message) (mgmt.Message, bool) {
		switch req.ID {
		case mgmt.MsgDMStop:
			if err := ctrl.Set(power.ModePoweroff); err != nil {
				log.Warn("mgmt: dm stop", "error", err)
			}
		case mgmt.MsgDMSuspend:
			if err := ctrl.Set(power.ModeSuspend); err != nil {
				log.Warn("mgmt: dm suspend", "error", err)
			}
		case mgmt.MsgDMResume:
			if err := ctrl.Resume(); err != nil {
				log.Warn("mgmt: dm resume", "error", err)
			}
		case mgmt.MsgDMPause:
			if err := vm.Pause(); err != nil {
				log.Warn("mgmt: dm pause", "error", err)
			}
			if err := chip.Stop(); err != nil {
				log.Warn("mgmt: dm pause chipset", "error", err)
			}
		case mgmt.MsgDMContinue:
			if err := chip.Start(); err != nil {
				log.Warn("mgmt: dm continue chipset", "error", err)
			}
			if err := vm.Run(); err != nil {
				log.Warn("mgmt: dm continue", "error", err)
			}
		case mgmt.MsgDMQuery:
			ack := mgmt.NewMessage(req.ID, req.Timestamp, []byte{byte(ctrl.Mode())})
			return ack, true
		case mgmt.MsgDMBlkRescan:
			log.Info("mgmt: dm blkrescan requested")
		default:
			log.Warn("mgmt: dm unknown message id", "id", req.ID)
			return mgmt.Message{}, false
		}
		return mgmt.NewMessage(req.ID, req.Timestamp, nil), true
	}
}

func newLogger(debug, asJSON bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if asJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
