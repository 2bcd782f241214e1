package vmconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/cbc"
)

func writeDescriptor(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vm1.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	return path
}

const validYAML = `
name: vm1
uuid: a7092908-4507-4ef6-8822-5572dfab6e1d
lowmem_mb: 1024
highmem_mb: 0
cpu_affinity: 3
iothreads: "2@0,1"
cbc_channels: ["diag", "signal"]
tpm_socket: /run/swtpm/vm1.sock
`

func TestLoadParsesAndValidates(t *testing.T) {
	path := writeDescriptor(t, validYAML)

	d, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.Name != "vm1" {
		t.Errorf("Name = %q, want vm1", d.Name)
	}
	if d.LowMemMB != 1024 {
		t.Errorf("LowMemMB = %d, want 1024", d.LowMemMB)
	}
	if d.CPUAffinity != 3 {
		t.Errorf("CPUAffinity = %d, want 3", d.CPUAffinity)
	}
	if d.IOThreads != "2@0,1" {
		t.Errorf("IOThreads = %q, want 2@0,1", d.IOThreads)
	}
	if d.TPMSocket != "/run/swtpm/vm1.sock" {
		t.Errorf("TPMSocket = %q, want /run/swtpm/vm1.sock", d.TPMSocket)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestValidateRejectsLowMemBelowMinimum(t *testing.T) {
	d := Descriptor{Name: "vm1", UUID: "a7092908-4507-4ef6-8822-5572dfab6e1d", LowMemMB: 1}
	if err := d.Validate(); err == nil {
		t.Fatalf("expected lowmem_mb below minimum to be rejected")
	}
}

func TestValidateRejectsLowMemAboveLimit(t *testing.T) {
	d := Descriptor{Name: "vm1", UUID: "a7092908-4507-4ef6-8822-5572dfab6e1d", LowMemMB: 1024 * 8}
	if err := d.Validate(); err == nil {
		t.Fatalf("expected lowmem_mb above lowmem_limit to be rejected")
	}
}

func TestValidateRejectsUnknownChannel(t *testing.T) {
	d := Descriptor{
		Name: "vm1", UUID: "a7092908-4507-4ef6-8822-5572dfab6e1d",
		LowMemMB: 512, CBCChannels: []string{"bogus"},
	}
	if err := d.Validate(); err == nil {
		t.Fatalf("expected unknown cbc channel to be rejected")
	}
}

func TestValidateRejectsMalformedUUID(t *testing.T) {
	d := Descriptor{Name: "vm1", UUID: "not-a-uuid", LowMemMB: 512}
	if err := d.Validate(); err == nil {
		t.Fatalf("expected malformed uuid to be rejected")
	}
}

func TestChannelsResolvesNames(t *testing.T) {
	d := Descriptor{CBCChannels: []string{"diag", "signal"}}
	got := d.Channels()
	want := []cbc.Channel{cbc.ChannelDiag, cbc.ChannelSignal}
	if len(got) != len(want) {
		t.Fatalf("Channels() = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("Channels()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMemorySizesConvertsMiBToBytes(t *testing.T) {
	d := Descriptor{LowMemMB: 1, HighMemMB: 2, BIOSMemMB: 3, FBMemMB: 4}
	lowmem, highmem, biosmem, fbmem := d.MemorySizes()
	if lowmem != 1024*1024 || highmem != 2*1024*1024 || biosmem != 3*1024*1024 || fbmem != 4*1024*1024 {
		t.Fatalf("MemorySizes() = (%d, %d, %d, %d), want MiB-scaled bytes", lowmem, highmem, biosmem, fbmem)
	}
}

func TestParseUUIDRoundTrip(t *testing.T) {
	const s = "a7092908-4507-4ef6-8822-5572dfab6e1d"
	got, err := ParseUUID(s)
	if err != nil {
		t.Fatalf("ParseUUID: %v", err)
	}
	want := [16]byte{0xa7, 0x09, 0x29, 0x08, 0x45, 0x07, 0x4e, 0xf6, 0x88, 0x22, 0x55, 0x72, 0xdf, 0xab, 0x6e, 0x1d}
	if got != want {
		t.Fatalf("ParseUUID(%q) = % x, want % x", s, got, want)
	}
}

func TestParseUUIDRejectsWrongLength(t *testing.T) {
	if _, err := ParseUUID("too-short"); err == nil {
		t.Fatalf("expected an error for a too-short uuid")
	}
}

func TestParseUUIDRejectsMisplacedDashes(t *testing.T) {
	if _, err := ParseUUID("a70929084507-4ef6-8822-5572dfab6e1d"); err == nil {
		t.Fatalf("expected an error for dashes in the wrong place")
	}
}
