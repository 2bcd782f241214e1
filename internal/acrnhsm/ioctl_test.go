package acrnhsm

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestOpcodeEncodingUsesType0xA2(t *testing.T) {
	cases := []uint64{
		opCreateVM, opDestroyVM, opStartVM, opSetVCPURegs, opSetIRQLine,
		opInjectMSI, opSetMemSeg, opAssignPCIDev, opAttachIoreqClient,
	}
	for _, op := range cases {
		typ := (op >> iocTypeShift) & ((1 << iocTypeBits) - 1)
		if typ != uint64(ic) {
			t.Fatalf("opcode 0x%x has type 0x%x, want 0x%x", op, typ, ic)
		}
	}
}

func TestOpcodesAreDistinct(t *testing.T) {
	ops := []uint64{
		opCreateVM, opDestroyVM, opStartVM, opPauseVM, opResetVM,
		opSetVCPURegs, opSetIRQLine, opInjectMSI, opSetMemSeg, opUnsetMemSeg,
		opAssignPCIDev, opDeassignPCIDev, opAssignMMIODev, opDeassignMMIODev,
		opSetPtdevIntxInfo, opResetPtdevIntxInfo, opAddHVVdev, opRemoveHVVdev,
		opAttachIoreqClient, opNotifyRequestDone, opIntrMonitor, opIoeventfd, opIrqfd,
	}
	seen := make(map[uint64]bool, len(ops))
	for _, op := range ops {
		if seen[op] {
			t.Fatalf("duplicate opcode 0x%x", op)
		}
		seen[op] = true
	}
}

func TestMapErrno(t *testing.T) {
	cases := []struct {
		err  error
		want ErrKind
	}{
		{unix.ENOTTY, ErrOperationNotDefined},
		{unix.ENOSYS, ErrOperationObsolete},
		{unix.EIO, ErrFatal},
	}
	for _, c := range cases {
		if got := MapErrno(c.err); got != c.want {
			t.Fatalf("MapErrno(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestNoArgOpcodesCarryNoSize(t *testing.T) {
	noArg := []uint64{opDestroyVM, opStartVM, opPauseVM, opResetVM, opAttachIoreqClient}
	for _, op := range noArg {
		size := (op >> iocSizeShift) & ((1 << iocSizeBits) - 1)
		dir := op >> iocDirShift
		if size != 0 || dir != iocNone {
			t.Fatalf("opcode 0x%x expected to be a bare _IO(), got size=%d dir=%d", op, size, dir)
		}
	}
}
