package hugetlb

import "unsafe"

// unsafePointer returns the address of b's backing array. Used only to
// remember an HVA across the Allocator's own bookkeeping; the mmap'd
// region is never otherwise reinterpreted through it except to hand the
// same bytes back to Munmap during unwind.
func unsafePointer(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}

// sliceOf reconstructs the []byte Munmap needs from a previously
// recorded HVA and length.
func sliceOf(hva uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(hva)), size)
}
