package sandbox

import (
	"encoding/binary"
	"time"

	"icn-core/runtimeerr"
)

// Opcode is one instruction in a compiled policy module's bytecode. The
// instruction set is deliberately small: arithmetic, linear-memory
// load/store, control flow, globals, and a single host-call instruction
// that dispatches into the host function table.
type Opcode byte

const (
	OpHalt Opcode = iota
	OpPushI64
	OpPop
	OpAdd
	OpSub
	OpMul
	OpDup
	OpLoad
	OpStore
	OpJump
	OpJumpIfZero
	OpCallHost
	OpGlobalGet
	OpGlobalSet
)

// Clock abstracts wall-time reads so module execution is deterministic and
// testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Module is a compiled policy module: an opaque bytecode sequence plus the
// load-time metadata the VM validates against Limits before executing a
// single instruction.
type Module struct {
	Code          []byte
	Globals       []uint64
	FunctionCount uint32
	TableCount    uint32
	TableEntries  uint32
}

// HostDispatcher resolves a host function table index to an
// implementation. Implementations receive the VM's linear memory directly
// so pointer/length arguments can be read and bounds-checked by the host
// before any dereference.
type HostDispatcher interface {
	CallHost(index byte, args []uint64, mem []byte) (uint64, error)
}

// VM executes one Module to completion or abort, enforcing every
// configured limit. A VM instance is single-use: construct a fresh one per
// job invocation.
type VM struct {
	limits Limits
	clock  Clock
	host   HostDispatcher

	memory  []byte
	globals []uint64
	stack   []uint64
}

// NewVM constructs a VM bound to limits and host, with a fresh zeroed
// linear memory of limits.MemoryBytes().
func NewVM(limits Limits, host HostDispatcher) *VM {
	return &VM{limits: limits, clock: systemClock{}, host: host, memory: make([]byte, limits.MemoryBytes())}
}

// SetClock overrides the VM's clock, for deterministic tests.
func (vm *VM) SetClock(c Clock) { vm.clock = c }

// Memory exposes the VM's linear memory for host functions operating
// outside CallHost (e.g. result staging before anchor_receipt).
func (vm *VM) Memory() []byte { return vm.memory }

// Run executes m.Code from instruction pointer 0 until OpHalt, fuel
// exhaustion, a limit violation, or a host error, returning the final
// stack top (or 0 if the stack is empty at halt).
func (vm *VM) Run(m Module) (uint64, error) {
	if err := vm.load(m); err != nil {
		return 0, err
	}

	start := vm.clock.Now()
	fuel := vm.limits.Fuel
	ip := 0
	code := m.Code

	for {
		if vm.clock.Now().Sub(start) > vm.limits.WallTime {
			return 0, runtimeerr.New(runtimeerr.ResourceExceeded, "sandbox: wall time limit exceeded")
		}
		if ip >= len(code) {
			return 0, runtimeerr.New(runtimeerr.InvalidInput, "sandbox: instruction pointer ran off the end of code")
		}
		if fuel == 0 {
			return 0, runtimeerr.New(runtimeerr.ResourceExceeded, "sandbox: fuel budget exhausted")
		}
		fuel--

		op := Opcode(code[ip])
		ip++

		switch op {
		case OpHalt:
			return vm.top(), nil

		case OpPushI64:
			v, next, err := readU64(code, ip)
			if err != nil {
				return 0, err
			}
			ip = next
			if err := vm.push(v); err != nil {
				return 0, err
			}

		case OpPop:
			if _, err := vm.pop(); err != nil {
				return 0, err
			}

		case OpAdd, OpSub, OpMul:
			b, err := vm.pop()
			if err != nil {
				return 0, err
			}
			a, err := vm.pop()
			if err != nil {
				return 0, err
			}
			var r uint64
			switch op {
			case OpAdd:
				r = a + b
			case OpSub:
				r = a - b
			case OpMul:
				r = a * b
			}
			if err := vm.push(r); err != nil {
				return 0, err
			}

		case OpDup:
			v := vm.top()
			if err := vm.push(v); err != nil {
				return 0, err
			}

		case OpLoad:
			addr, err := vm.pop()
			if err != nil {
				return 0, err
			}
			v, err := vm.readMem(addr)
			if err != nil {
				return 0, err
			}
			if err := vm.push(v); err != nil {
				return 0, err
			}

		case OpStore:
			val, err := vm.pop()
			if err != nil {
				return 0, err
			}
			addr, err := vm.pop()
			if err != nil {
				return 0, err
			}
			if err := vm.writeMem(addr, val); err != nil {
				return 0, err
			}

		case OpJump:
			target, next, err := readU32(code, ip)
			if err != nil {
				return 0, err
			}
			ip = next
			ip = int(target)

		case OpJumpIfZero:
			target, next, err := readU32(code, ip)
			if err != nil {
				return 0, err
			}
			ip = next
			cond, err := vm.pop()
			if err != nil {
				return 0, err
			}
			if cond == 0 {
				ip = int(target)
			}

		case OpGlobalGet:
			idx, next, err := readU32(code, ip)
			if err != nil {
				return 0, err
			}
			ip = next
			if int(idx) >= len(vm.globals) {
				return 0, runtimeerr.New(runtimeerr.InvalidInput, "sandbox: global index out of range")
			}
			if err := vm.push(vm.globals[idx]); err != nil {
				return 0, err
			}

		case OpGlobalSet:
			idx, next, err := readU32(code, ip)
			if err != nil {
				return 0, err
			}
			ip = next
			if int(idx) >= len(vm.globals) {
				return 0, runtimeerr.New(runtimeerr.InvalidInput, "sandbox: global index out of range")
			}
			v, err := vm.pop()
			if err != nil {
				return 0, err
			}
			vm.globals[idx] = v

		case OpCallHost:
			if ip+2 > len(code) {
				return 0, runtimeerr.New(runtimeerr.InvalidInput, "sandbox: truncated call_host instruction")
			}
			index := code[ip]
			argc := int(code[ip+1])
			ip += 2
			if fuel < hostCallFuelCost {
				return 0, runtimeerr.New(runtimeerr.ResourceExceeded, "sandbox: fuel budget exhausted")
			}
			fuel -= hostCallFuelCost
			args := make([]uint64, argc)
			for i := argc - 1; i >= 0; i-- {
				v, err := vm.pop()
				if err != nil {
					return 0, err
				}
				args[i] = v
			}
			if vm.host == nil {
				return 0, runtimeerr.New(runtimeerr.InternalError, "sandbox: no host dispatcher configured")
			}
			result, err := vm.host.CallHost(index, args, vm.memory)
			if err != nil {
				return 0, err
			}
			if err := vm.push(result); err != nil {
				return 0, err
			}

		default:
			return 0, runtimeerr.New(runtimeerr.InvalidInput, "sandbox: unknown opcode")
		}
	}
}

// hostCallFuelCost charges more fuel for a host call than a plain
// arithmetic instruction, reflecting its relative cost.
const hostCallFuelCost = 10

func (vm *VM) load(m Module) error {
	if m.FunctionCount > vm.limits.Functions {
		return runtimeerr.New(runtimeerr.ResourceExceeded, "sandbox: module exceeds function count limit")
	}
	if m.TableCount > vm.limits.Tables {
		return runtimeerr.New(runtimeerr.ResourceExceeded, "sandbox: module exceeds table count limit")
	}
	if m.TableEntries > vm.limits.TableEntries {
		return runtimeerr.New(runtimeerr.ResourceExceeded, "sandbox: module exceeds table entry limit")
	}
	if uint32(len(m.Globals)) > vm.limits.Globals {
		return runtimeerr.New(runtimeerr.ResourceExceeded, "sandbox: module exceeds global count limit")
	}
	vm.globals = append([]uint64(nil), m.Globals...)
	vm.stack = make([]uint64, 0, vm.limits.StackDepth)
	return nil
}

func (vm *VM) push(v uint64) error {
	if uint32(len(vm.stack)) >= vm.limits.StackDepth {
		return runtimeerr.New(runtimeerr.ResourceExceeded, "sandbox: stack depth limit exceeded")
	}
	vm.stack = append(vm.stack, v)
	return nil
}

func (vm *VM) pop() (uint64, error) {
	if len(vm.stack) == 0 {
		return 0, runtimeerr.New(runtimeerr.InvalidInput, "sandbox: pop from empty stack")
	}
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v, nil
}

func (vm *VM) top() uint64 {
	if len(vm.stack) == 0 {
		return 0
	}
	return vm.stack[len(vm.stack)-1]
}

func (vm *VM) readMem(addr uint64) (uint64, error) {
	if addr+8 > uint64(len(vm.memory)) {
		return 0, runtimeerr.New(runtimeerr.ResourceExceeded, "sandbox: memory access out of bounds")
	}
	return binary.LittleEndian.Uint64(vm.memory[addr : addr+8]), nil
}

func (vm *VM) writeMem(addr, val uint64) error {
	if addr+8 > uint64(len(vm.memory)) {
		return runtimeerr.New(runtimeerr.ResourceExceeded, "sandbox: memory access out of bounds")
	}
	binary.LittleEndian.PutUint64(vm.memory[addr:addr+8], val)
	return nil
}

func readU64(code []byte, ip int) (uint64, int, error) {
	if ip+8 > len(code) {
		return 0, 0, runtimeerr.New(runtimeerr.InvalidInput, "sandbox: truncated 8-byte immediate")
	}
	return binary.LittleEndian.Uint64(code[ip : ip+8]), ip + 8, nil
}

func readU32(code []byte, ip int) (uint32, int, error) {
	if ip+4 > len(code) {
		return 0, 0, runtimeerr.New(runtimeerr.InvalidInput, "sandbox: truncated 4-byte immediate")
	}
	return binary.LittleEndian.Uint32(code[ip : ip+4]), ip + 4, nil
}
