package hugetlb

import (
	"os"
	"testing"
)

func TestPlanRejectsUnalignedSegment(t *testing.T) {
	a := &Allocator{}
	if _, err := a.Plan(Level1PageSize+1, 0, 0, 0); err == nil {
		t.Fatalf("expected error for segment size not a multiple of Level1PageSize")
	}
}

func TestPlanAssignsLevel2WhenTotalIsWholeGiB(t *testing.T) {
	a := &Allocator{}
	p, err := a.Plan(Level2PageSize, 0, 0, 0)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if p.tier != TierLevel2 {
		t.Fatalf("tier = %v, want TierLevel2 for a whole-GiB request", p.tier)
	}
}

func TestPlanAssignsLevel1ForSubGiBTotal(t *testing.T) {
	a := &Allocator{}
	p, err := a.Plan(256*1024*1024, 0, 0, 0)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if p.tier != TierLevel1 {
		t.Fatalf("tier = %v, want TierLevel1 for a 256MiB request", p.tier)
	}
}

// TestMaterializeUnwindsOnMidwaySegmentFailure exercises spec.md §7's
// reverse-order unwind: if a later segment fails to materialize, every
// earlier segment successfully mapped must still be torn down.
func TestMaterializeUnwindsOnMidwaySegmentFailure(t *testing.T) {
	dir := t.TempDir()
	a, err := NewAllocator(dir, nil)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	defer a.Release()

	plan := &Plan{
		segments: []segmentRequest{
			{kind: segLowMem, size: Level1PageSize},
			{kind: segHighMem, size: uint64(1) << 62}, // deliberately enormous, will fail ftruncate or mmap
		},
		tier: TierLevel1,
	}

	_, err = a.Materialize(plan)
	if err == nil {
		t.Skip("host accepted an implausibly large allocation; cannot exercise the failure path here")
	}

	a.mu.Lock()
	leftover := len(a.mapped)
	guard := a.guardVMA
	a.mu.Unlock()
	if leftover != 0 {
		t.Fatalf("%d segments left mapped after a failed Materialize, want 0", leftover)
	}
	if guard != nil {
		t.Fatalf("guard VMA not released after a failed Materialize")
	}
}

func TestLockfileIsCreatedUnderBaseDir(t *testing.T) {
	dir := t.TempDir()
	a, err := NewAllocator(dir, nil)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	defer a.Release()

	if _, err := os.Stat(dir + "/" + lockFileName); err != nil {
		t.Fatalf("lockfile not created: %v", err)
	}
}
