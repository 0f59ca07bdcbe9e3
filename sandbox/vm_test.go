package sandbox

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"icn-core/runtimeerr"
)

func testLimits() Limits {
	l := DefaultLimits
	l.Pages = 1
	return l
}

// asm builds bytecode from opcodes and immediates without hand-counting
// offsets.
type asm struct{ code []byte }

func (a *asm) op(o Opcode)      { a.code = append(a.code, byte(o)) }
func (a *asm) u64(v uint64)     { a.code = binary.LittleEndian.AppendUint64(a.code, v) }
func (a *asm) u32(v uint32)     { a.code = binary.LittleEndian.AppendUint32(a.code, v) }
func (a *asm) push(v uint64)    { a.op(OpPushI64); a.u64(v) }
func (a *asm) host(idx byte, argc int) {
	a.op(OpCallHost)
	a.code = append(a.code, idx, byte(argc))
}

func TestArithmeticRunsToHalt(t *testing.T) {
	var a asm
	a.push(40)
	a.push(2)
	a.op(OpAdd)
	a.op(OpHalt)

	vm := NewVM(testLimits(), nil)
	got, err := vm.Run(Module{Code: a.code})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestInfiniteLoopExhaustsFuel(t *testing.T) {
	// jump 0 forever; the fuel counter must abort the module.
	var a asm
	a.op(OpJump)
	a.u32(0)

	limits := testLimits()
	limits.Fuel = 1000
	vm := NewVM(limits, nil)
	_, err := vm.Run(Module{Code: a.code})
	if runtimeerr.KindOf(err) != runtimeerr.ResourceExceeded {
		t.Fatalf("expected ResourceExceeded, got %v", err)
	}
}

func TestStackDepthLimit(t *testing.T) {
	var a asm
	a.push(1)
	a.op(OpDup)
	// dup forever
	a.op(OpJump)
	a.u32(9) // back to the dup

	limits := testLimits()
	limits.StackDepth = 8
	vm := NewVM(limits, nil)
	_, err := vm.Run(Module{Code: a.code})
	if runtimeerr.KindOf(err) != runtimeerr.ResourceExceeded {
		t.Fatalf("expected ResourceExceeded, got %v", err)
	}
}

func TestMemoryOutOfBounds(t *testing.T) {
	var a asm
	a.push(uint64(testLimits().MemoryBytes())) // one past the end
	a.op(OpLoad)
	a.op(OpHalt)

	vm := NewVM(testLimits(), nil)
	_, err := vm.Run(Module{Code: a.code})
	if runtimeerr.KindOf(err) != runtimeerr.ResourceExceeded {
		t.Fatalf("expected ResourceExceeded, got %v", err)
	}
}

func TestWallTimeLimit(t *testing.T) {
	var a asm
	a.op(OpJump)
	a.u32(0)

	limits := testLimits()
	limits.WallTime = time.Second
	vm := NewVM(limits, nil)
	base := time.Unix(1_700_000_000, 0)
	started := false
	vm.SetClock(clockFunc(func() time.Time {
		if started {
			return base.Add(2 * time.Second)
		}
		started = true
		return base
	}))
	_, err := vm.Run(Module{Code: a.code})
	if runtimeerr.KindOf(err) != runtimeerr.ResourceExceeded {
		t.Fatalf("expected ResourceExceeded, got %v", err)
	}
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

func TestLoadTimeLimitsRejectOversizedModule(t *testing.T) {
	limits := testLimits()
	limits.Globals = 2
	vm := NewVM(limits, nil)
	_, err := vm.Run(Module{Code: []byte{byte(OpHalt)}, Globals: make([]uint64, 3)})
	if runtimeerr.KindOf(err) != runtimeerr.ResourceExceeded {
		t.Fatalf("expected ResourceExceeded, got %v", err)
	}

	vm = NewVM(limits, nil)
	_, err = vm.Run(Module{Code: []byte{byte(OpHalt)}, FunctionCount: limits.Functions + 1})
	if runtimeerr.KindOf(err) != runtimeerr.ResourceExceeded {
		t.Fatalf("expected ResourceExceeded, got %v", err)
	}
}

func TestGlobalsReadWrite(t *testing.T) {
	var a asm
	a.push(7)
	a.op(OpGlobalSet)
	a.u32(0)
	a.op(OpGlobalGet)
	a.u32(0)
	a.op(OpHalt)

	vm := NewVM(testLimits(), nil)
	got, err := vm.Run(Module{Code: a.code, Globals: make([]uint64, 1)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}

type recordingHost struct {
	calls []byte
	fail  error
}

func (h *recordingHost) CallHost(index byte, args []uint64, mem []byte) (uint64, error) {
	h.calls = append(h.calls, index)
	if h.fail != nil {
		return 0, h.fail
	}
	return uint64(len(args)), nil
}

func TestHostCallDispatchAndError(t *testing.T) {
	var a asm
	a.push(1)
	a.push(2)
	a.host(HostGetBalance, 2)
	a.op(OpHalt)

	host := &recordingHost{}
	vm := NewVM(testLimits(), host)
	got, err := vm.Run(Module{Code: a.code})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != 2 {
		t.Fatalf("expected arg count 2 back from host, got %d", got)
	}
	if len(host.calls) != 1 || host.calls[0] != HostGetBalance {
		t.Fatalf("unexpected host calls: %v", host.calls)
	}

	host.fail = runtimeerr.New(runtimeerr.InsufficientCredit, "no mana")
	vm = NewVM(testLimits(), host)
	_, err = vm.Run(Module{Code: a.code})
	if runtimeerr.KindOf(err) != runtimeerr.InsufficientCredit {
		t.Fatalf("expected host error to surface, got %v", err)
	}
}

func TestWriteSetRollsBackInReverseOrder(t *testing.T) {
	var order []int
	ws := NewWriteSet()
	if err := ws.Stage(func() error { return nil }, func() error { order = append(order, 1); return nil }); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := ws.Stage(func() error { return nil }, func() error { order = append(order, 2); return nil }); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := ws.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("expected reverse-order rollback, got %v", order)
	}
}

func TestWriteSetStageFailureRecordsNothing(t *testing.T) {
	ws := NewWriteSet()
	boom := errors.New("boom")
	undone := false
	err := ws.Stage(func() error { return boom }, func() error { undone = true; return nil })
	if !errors.Is(err, boom) {
		t.Fatalf("expected staged op error, got %v", err)
	}
	if err := ws.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if undone {
		t.Fatal("undo ran for an operation that never applied")
	}
}

func TestWriteSetCommitDiscardsUndo(t *testing.T) {
	ws := NewWriteSet()
	undone := false
	if err := ws.Stage(func() error { return nil }, func() error { undone = true; return nil }); err != nil {
		t.Fatalf("stage: %v", err)
	}
	ws.Commit()
	if err := ws.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if undone {
		t.Fatal("undo ran after commit")
	}
}
