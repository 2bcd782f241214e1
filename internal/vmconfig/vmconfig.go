// Package vmconfig defines a declarative, YAML-encoded VM descriptor as
// an alternative to the original tooling's shell-script-plus-.args-file
// launch mechanism (devicemodel/core/main.c, tools/acrn-manager/acrnctl.c).
// The legacy script+args path remains the default; Descriptor is an
// additive convenience for acrnctl add --config.
//
// Grounded on the gopkg.in/yaml.v3 config-loading idiom in
// cmd/ccapp/site_config.go and internal/bundle/bundle.go: a plain struct
// with `yaml:"..."` tags, a Load function that reads the file and
// unmarshals it, and a normalize/validate pass run right after.
package vmconfig

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/cbc"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/vmctx"
)

// channelNames maps the lowercase names accepted in a descriptor's
// cbc_channels list to their cbc.Channel value, since cbc.Channel itself
// has no String()/Parse pair (spec.md never asked for one; the mapping
// belongs to the config format, not the protocol package).
var channelNames = map[string]cbc.Channel{
	"pmt":    cbc.ChannelPMT,
	"lfcc":   cbc.ChannelLFCC,
	"signal": cbc.ChannelSignal,
	"esig":   cbc.ChannelESig,
	"diag":   cbc.ChannelDiag,
	"dlt":    cbc.ChannelDLT,
	"linda":  cbc.ChannelLinda,
}

// Descriptor is the YAML form of one VM's launch configuration: the
// fields an add/<name>.sh script and its sibling .args file would
// otherwise encode as command-line flag strings.
type Descriptor struct {
	Name string `yaml:"name"`
	UUID string `yaml:"uuid"`

	LowMemMB  uint64 `yaml:"lowmem_mb"`
	HighMemMB uint64 `yaml:"highmem_mb,omitempty"`
	BIOSMemMB uint64 `yaml:"biosmem_mb,omitempty"`
	FBMemMB   uint64 `yaml:"fbmem_mb,omitempty"`

	// CPUAffinity is a bitmask over physical CPUs, matching vmctx.VM.Create's
	// affinity argument directly.
	CPUAffinity uint64 `yaml:"cpu_affinity"`

	// IOThreads is an iothread.ParseOptions string, e.g. "2@0,1/2,3".
	IOThreads string `yaml:"iothreads,omitempty"`

	// CBCChannels lists the native CBC channel devices this VM's IOC
	// should bridge to the virtual UART, by name (see channelNames).
	CBCChannels []string `yaml:"cbc_channels,omitempty"`

	// TPMSocket is swtpm's control socket path, passed to tpmcrb.Dial.
	TPMSocket string `yaml:"tpm_socket,omitempty"`

	// GfxPassthrough mirrors vmctx.VM.GfxPassthrough.
	GfxPassthrough bool `yaml:"gfx_passthrough,omitempty"`
}

// Load reads and parses a Descriptor from path, then validates it.
func Load(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("vmconfig: read %s: %w", path, err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("vmconfig: parse %s: %w", path, err)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, fmt.Errorf("vmconfig: %s: %w", path, err)
	}
	return d, nil
}

// Validate checks the descriptor against vmctx's memory bounds and the
// cbc channel name table, without touching the hypervisor or any device.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("vmconfig: name is required")
	}
	if len(d.UUID) != 36 {
		return fmt.Errorf("vmconfig: uuid %q is not a 36-character UUID string", d.UUID)
	}
	lowmem := d.LowMemMB * 1024 * 1024
	if lowmem < vmctx.MinLowMem {
		return fmt.Errorf("vmconfig: lowmem_mb %d below minimum %d MiB", d.LowMemMB, vmctx.MinLowMem/1024/1024)
	}
	if lowmem > vmctx.LowMemLimit {
		return fmt.Errorf("vmconfig: lowmem_mb %d exceeds lowmem_limit %d MiB", d.LowMemMB, vmctx.LowMemLimit/1024/1024)
	}
	for _, name := range d.CBCChannels {
		if _, ok := channelNames[name]; !ok {
			return fmt.Errorf("vmconfig: unknown cbc channel %q", name)
		}
	}
	return nil
}

// Channels resolves CBCChannels to cbc.Channel values. Validate must have
// already confirmed every name is known.
func (d Descriptor) Channels() []cbc.Channel {
	chans := make([]cbc.Channel, 0, len(d.CBCChannels))
	for _, name := range d.CBCChannels {
		chans = append(chans, channelNames[name])
	}
	return chans
}

// MemorySizes returns the descriptor's memory fields converted from MiB
// to bytes, in the order vmctx.New expects them.
func (d Descriptor) MemorySizes() (lowmem, highmem, biosmem, fbmem uint64) {
	const mib = 1024 * 1024
	return d.LowMemMB * mib, d.HighMemMB * mib, d.BIOSMemMB * mib, d.FBMemMB * mib
}

// ParseUUID decodes the descriptor's UUID string into the 16-byte form
// vmctx.New and acrnhsm.VMCreate expect, per RFC 4122's 8-4-4-4-12
// hex-digit layout.
func ParseUUID(s string) ([16]byte, error) {
	var out [16]byte
	if len(s) != 36 || s[8] != '-' || s[13] != '-' || s[18] != '-' || s[23] != '-' {
		return out, fmt.Errorf("vmconfig: uuid %q is not in 8-4-4-4-12 form", s)
	}
	hexDigits := strings.ReplaceAll(s, "-", "")
	n, err := hex.Decode(out[:], []byte(hexDigits))
	if err != nil {
		return out, fmt.Errorf("vmconfig: uuid %q: %w", s, err)
	}
	if n != len(out) {
		return out, fmt.Errorf("vmconfig: uuid %q decoded to %d bytes, want 16", s, n)
	}
	return out, nil
}
