// Package hugetlb implements the tiered huge-page guest memory
// allocator (spec.md §4.8): Level-2 (1 GiB) pages folded down to
// Level-1 (2 MiB) pages on shortfall, sealed memfds, a guard VMA
// reservation, and scope-guard rollback on any failure partway through
// setup.
//
// Grounded on internal/hv/kvm.AllocateMemory
// (mmap anonymous memory, then madvise(MADV_MERGEABLE), then register
// with the hypervisor) for the "mmap then register" shape, generalized
// from one anonymous MAP_PRIVATE mapping to hugetlbfs-backed,
// sealed memfds split across two page-size tiers.
package hugetlb

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/acrnerr"
)

const (
	// Level1PageSize is the small huge-page tier: 2 MiB.
	Level1PageSize = 2 * 1024 * 1024
	// Level2PageSize is the large huge-page tier: 1 GiB.
	Level2PageSize = 1024 * 1024 * 1024

	sysfsLevel1 = "/sys/kernel/mm/hugepages/hugepages-2048kB"
	sysfsLevel2 = "/sys/kernel/mm/hugepages/hugepages-1048576kB"

	lockFileName = ".hugetlb.lock"
)

// Tier identifies a huge-page size class.
type Tier int

const (
	TierLevel1 Tier = iota
	TierLevel2
)

func (t Tier) pageSize() uint64 {
	if t == TierLevel2 {
		return Level2PageSize
	}
	return Level1PageSize
}

func (t Tier) sysfsDir() string {
	if t == TierLevel2 {
		return sysfsLevel2
	}
	return sysfsLevel1
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// segmentKind identifies one ordered piece of the guest's address space: lowmem,
// highmem, biosmem, or fbmem.
type segmentKind int

const (
	segLowMem segmentKind = iota
	segHighMem
	segBIOSMem
	segFBMem
)

type segmentRequest struct {
	kind segmentKind
	gpa  uint64
	size uint64
}

// Plan is the sized, tier-assigned layout produced by (*Allocator).Plan.
type Plan struct {
	segments []segmentRequest
	tier     Tier // single tier shared by every segment
	level2   uint64
	level1   uint64
}

// MappedSegment is one guest memory segment after Materialize: an open,
// sealed, ftruncated, and mmapped memfd.
type MappedSegment struct {
	GPA      uint64
	Size     uint64
	FD       int
	FDOffset int64
	HVA      uintptr
}

// Allocator owns the cross-process lockfile serializing huge-page
// bookkeeping and the rollback state for one VM's memory setup.
type Allocator struct {
	baseDir string
	log     *slog.Logger

	lockFD int

	mu       sync.Mutex
	guardVMA []byte
	mapped   []MappedSegment
}

// NewAllocator opens (creating if needed) the per-VM lockfile under
// baseDir used to serialize huge-page accounting across concurrent VM
// launches.
func NewAllocator(baseDir string, log *slog.Logger) (*Allocator, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("hugetlb: mkdir %s: %w", baseDir, err)
	}
	lockPath := filepath.Join(baseDir, lockFileName)
	fd, err := unix.Open(lockPath, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("hugetlb: open lockfile: %w", err)
	}
	return &Allocator{baseDir: baseDir, log: log, lockFD: fd}, nil
}

func (a *Allocator) lock() error {
	return unix.FcntlFlock(uintptr(a.lockFD), unix.F_SETLKW, &unix.Flock_t{Type: unix.F_WRLCK})
}

func (a *Allocator) unlock() error {
	return unix.FcntlFlock(uintptr(a.lockFD), unix.F_SETLKW, &unix.Flock_t{Type: unix.F_UNLCK})
}

func freePages(tier Tier) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(tier.sysfsDir(), "free_hugepages"))
	if err != nil {
		return 0, fmt.Errorf("hugetlb: read free_hugepages: %w", err)
	}
	var n uint64
	if _, err := fmt.Sscanf(string(data), "%d", &n); err != nil {
		return 0, fmt.Errorf("hugetlb: parse free_hugepages: %w", err)
	}
	return n, nil
}

// Plan runs the alignment check and tier assignment (step 1-2 of
// spec.md §4.8's 7-step algorithm): every segment size must be a
// multiple of Level1PageSize, and the whole plan gets one tier: Level-2
// when the combined size is a non-zero multiple of Level2PageSize,
// Level-1 otherwise. A segment is never split between the two tiers.
// Materialize folds a Level-2 plan down to Level-1 when it finds too
// few free Level-2 pages.
func (a *Allocator) Plan(lowmem, highmem, biosmem, fbmem uint64) (*Plan, error) {
	segs := []segmentRequest{{kind: segLowMem, gpa: 0, size: lowmem}}
	if biosmem > 0 {
		segs = append(segs, segmentRequest{kind: segBIOSMem, size: biosmem})
	}
	if fbmem > 0 {
		segs = append(segs, segmentRequest{kind: segFBMem, size: fbmem})
	}
	if highmem > 0 {
		segs = append(segs, segmentRequest{kind: segHighMem, size: highmem})
	}

	for _, s := range segs {
		if s.size%Level1PageSize != 0 {
			return nil, fmt.Errorf("hugetlb: segment size %d not a multiple of %d", s.size, Level1PageSize)
		}
	}

	var total uint64
	for _, s := range segs {
		total += s.size
	}

	tier := TierLevel1
	if total%Level2PageSize == 0 && total >= Level2PageSize {
		tier = TierLevel2
	}

	return &Plan{segments: segs, tier: tier, level2: total / Level2PageSize, level1: total / Level1PageSize}, nil
}

// Materialize takes the lockfile, folds a Level-2 plan down to Level-1
// when the free Level-2 page count is unreadable or short of the plan,
// reserves a PROT_NONE guard VMA the size of the plan, and then creates,
// ftruncates, mmaps and seals one memfd per segment in plan order. It
// does not change nr_hugepages, and each segment is mapped at an
// address the kernel picks, not inside the guard VMA. Lowmem gets GPA 0,
// highmem 4 GiB, and biosmem then fbmem are stacked downward from
// 4 GiB. On any failure it unwinds everything it had already set up, in
// reverse order, before returning.
func (a *Allocator) Materialize(plan *Plan) ([]MappedSegment, error) {
	if err := a.lock(); err != nil {
		return nil, fmt.Errorf("hugetlb: acquire lockfile: %w", err)
	}
	defer a.unlock()

	tier := plan.tier
	if tier == TierLevel2 {
		free, err := freePages(TierLevel2)
		if err != nil {
			a.log.Warn("hugetlb: cannot read Level-2 free pages, folding to Level-1", "error", err)
			tier = TierLevel1
		} else if free < plan.level2 {
			a.log.Info("hugetlb: insufficient Level-2 pages, folding plan to Level-1", "have", free, "need", plan.level2)
			tier = TierLevel1
		}
	}

	var total uint64
	for _, s := range plan.segments {
		total += s.size
	}

	guard, err := unix.Mmap(-1, 0, int(total), unix.PROT_NONE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hugetlb: reserve guard VMA: %w", err)
	}
	a.mu.Lock()
	a.guardVMA = guard
	a.mu.Unlock()

	baseAddr := uintptr(0)
	if len(guard) > 0 {
		baseAddr = uintptrOf(guard)
	}
	if baseAddr%Level1PageSize != 0 {
		a.unwindLocked()
		return nil, fmt.Errorf("hugetlb: guard VMA base 0x%x not page-aligned", baseAddr)
	}

	var mapped []MappedSegment
	gpaTop := uint64(4 * Level2PageSize)
	for _, s := range plan.segments {
		gpa := s.gpa
		switch s.kind {
		case segBIOSMem, segFBMem:
			gpaTop -= s.size
			gpa = gpaTop
		case segHighMem:
			gpa = uint64(4 * Level2PageSize)
		}
		seg, err := a.materializeOne(s, tier, 0)
		if err != nil {
			a.mu.Lock()
			a.mapped = mapped
			a.mu.Unlock()
			a.unwindLocked()
			return nil, acrnerr.Wrap(acrnerr.ResourceExhausted,
				fmt.Sprintf("hugetlb: materialize segment kind=%d", s.kind), err)
		}
		seg.GPA = gpa
		mapped = append(mapped, seg)
	}

	a.mu.Lock()
	a.mapped = mapped
	a.mu.Unlock()
	return mapped, nil
}

func (a *Allocator) materializeOne(s segmentRequest, tier Tier, offset int64) (MappedSegment, error) {
	name := fmt.Sprintf("acrn-mem-%d", s.kind)
	flags := unix.MFD_CLOEXEC | unix.MFD_ALLOW_SEALING
	if tier == TierLevel2 {
		flags |= unix.MFD_HUGETLB | unix.MFD_HUGE_1GB
	} else {
		flags |= unix.MFD_HUGETLB | unix.MFD_HUGE_2MB
	}

	fd, err := unix.MemfdCreate(name, flags)
	if err != nil {
		// Retry on Level-1 if Level-2 mapping failed for lack of pages,
		// per spec.md §4.8's MAP_FAILED retry step.
		if tier == TierLevel2 {
			return a.materializeOne(s, TierLevel1, offset)
		}
		return MappedSegment{}, fmt.Errorf("memfd_create: %w", err)
	}

	if err := unix.Ftruncate(fd, int64(s.size)); err != nil {
		unix.Close(fd)
		return MappedSegment{}, fmt.Errorf("ftruncate: %w", err)
	}

	mem, err := unix.Mmap(fd, 0, int(s.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		if tier == TierLevel2 {
			return a.materializeOne(s, TierLevel1, offset)
		}
		return MappedSegment{}, fmt.Errorf("mmap: %w", err)
	}

	// Pre-fault by touching the first byte of every Level-1 page; real
	// guest RAM gets faulted in by the guest itself, but this surfaces an
	// allocation failure immediately instead of deep into boot.
	for i := 0; i < len(mem); i += Level1PageSize {
		mem[i] = mem[i]
	}

	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		a.log.Warn("hugetlb: madvise(MADV_MERGEABLE) failed, continuing", "error", err)
	}

	if _, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(fd), unix.F_ADD_SEALS,
		uintptr(unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_SEAL)); errno != 0 {
		a.log.Warn("hugetlb: seal memfd failed, continuing", "error", errno)
	}

	return MappedSegment{
		Size:     s.size,
		FD:       fd,
		FDOffset: offset,
		HVA:      uintptrOf(mem),
	}, nil
}

func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafePointer(b))
}

// Release unwinds everything Materialize set up, in reverse order:
// munmap every mapped segment, close every memfd, release the guard
// VMA — spec.md §7's reverse-order unwind policy.
func (a *Allocator) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unwindLocked()
	return unix.Close(a.lockFD)
}

func (a *Allocator) unwindLocked() {
	for i := len(a.mapped) - 1; i >= 0; i-- {
		seg := a.mapped[i]
		if seg.HVA != 0 {
			unix.Munmap(sliceOf(seg.HVA, int(seg.Size)))
		}
		unix.Close(seg.FD)
	}
	a.mapped = nil
	if a.guardVMA != nil {
		unix.Munmap(a.guardVMA)
		a.guardVMA = nil
	}
}
