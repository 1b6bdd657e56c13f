package vm

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tliron/commonlog"
)

var verifierLog = commonlog.GetLogger("golama.verifier")

// ---------------------------------------------------------------------------
// Verification results
// ---------------------------------------------------------------------------

// ProcInfo is the verified metadata of one procedure.
type ProcInfo struct {
	Params    uint32
	Locals    uint32
	Captures  uint32 // watermark of observed capture indices + 1
	StackSize uint32 // maximum static operand-stack height
	IsClosure bool   // declared with CBEGIN
}

// ModuleInfo maps procedure entry addresses to their verified metadata.
// The interpreter's trusted mode relies on it for frame sizing and
// call-site arity checks.
type ModuleInfo struct {
	Procs map[uint32]*ProcInfo
}

const (
	maxStackHeight = 0x7fffffff
	maxCaptures    = 0x7fffffff
)

// ---------------------------------------------------------------------------
// Verifier
// ---------------------------------------------------------------------------

// Verify proves the module safe for unchecked execution: every
// reachable instruction is well-formed, stack heights balance at every
// merge point, jumps land on legal boundaries, and calls and closure
// instantiations match their targets. On success the module's
// symbol-table map is populated and per-procedure metadata is returned.
func Verify(m *Module) (*ModuleInfo, error) {
	v := &verifier{
		mod:    m,
		bc:     m.Bytecode,
		states: make([]byteState, len(m.Bytecode)),
		procs:  make(map[uint32]*ProcInfo),
	}
	if err := v.run(); err != nil {
		return nil, err
	}
	verifierLog.Infof("verified module %q: %d procedures", m.Name, len(v.procs))
	return &ModuleInfo{Procs: v.procs}, nil
}

type stateKind uint8

const (
	stateUnknown stateKind = iota
	stateProc
	stateBody
	stateEof
)

type byteState struct {
	kind     stateKind
	procAddr uint32
	height   uint32
}

// verifyReq is a work-list item: either a top-level scan position or a
// body position with its procedure and static stack height.
type verifyReq struct {
	addr     uint32
	topLevel bool
	main     bool
	procAddr uint32
	height   uint32
}

// postCheck defers CALL/CLOSURE target validation until every
// procedure's metadata is complete.
type postCheck struct {
	addr      uint32
	target    uint32
	count     uint32 // argument count (calls) or capture count (closures)
	isClosure bool
}

type verifier struct {
	mod *Module
	bc  []byte

	lastStrtabEntry int // index of the last NUL in the string table, -1 if none
	states          []byteState
	worklist        []verifyReq
	procs           map[uint32]*ProcInfo
	post            []postCheck
}

func (v *verifier) run() error {
	v.lastStrtabEntry = bytes.LastIndexByte(v.mod.Strtab, 0)

	if err := v.verifySymtab(); err != nil {
		return err
	}
	if err := v.verifyBytecode(); err != nil {
		return err
	}
	return v.postValidate()
}

func (v *verifier) errorf(addr uint32, err error, format string, args ...any) error {
	return &VerifyError{Offset: addr, Err: fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...))}
}

// ---------------------------------------------------------------------------
// Symbol and string tables
// ---------------------------------------------------------------------------

func (v *verifier) verifySymtab() error {
	symtabMap := make(map[string]uint32, len(v.mod.Symtab))

	for _, sym := range v.mod.Symtab {
		if int(sym.Address) > len(v.bc) {
			return v.errorf(sym.Address, ErrJumpTargetInvalid,
				"the symbol points to address %#x which is beyond the size of the bytecode (%#x)",
				sym.Address, len(v.bc))
		}
		if err := v.verifyStrtabEntry(sym.NameOffset, sym.Address); err != nil {
			return fmt.Errorf("the symbol has an illegal name: %w", err)
		}
		name, _ := v.mod.StringAt(sym.NameOffset)
		if _, dup := symtabMap[name]; dup {
			return v.errorf(sym.Address, ErrBadHeader,
				"the symbol named %q is defined multiple times", name)
		}
		symtabMap[name] = sym.Address
	}

	v.mod.symtabMap = symtabMap
	return nil
}

func (v *verifier) verifyStrtabEntry(offset, pos uint32) error {
	if int(offset) >= len(v.mod.Strtab) {
		return v.errorf(pos, ErrStringTableOutOfRange,
			"a string table offset %#x is out of bounds for the string table of size %#x",
			offset, len(v.mod.Strtab))
	}
	if int(offset) > v.lastStrtabEntry {
		return v.errorf(pos, ErrUnterminatedString,
			"a string at offset %#x in the string table is not NUL-terminated", offset)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Work-list dataflow
// ---------------------------------------------------------------------------

func (v *verifier) verifyBytecode() error {
	v.worklist = append(v.worklist, verifyReq{addr: 0, topLevel: true, main: true})

	for len(v.worklist) > 0 {
		req := v.worklist[len(v.worklist)-1]
		v.worklist = v.worklist[:len(v.worklist)-1]

		var err error
		if req.topLevel {
			err = v.verifyTopLevel(req.addr, req.main)
		} else {
			err = v.verifyBody(req.addr, req.procAddr, req.height)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// verifyTopLevel classifies the byte at addr as a procedure start or
// the EOF sentinel. It is idempotent for already-classified bytes.
func (v *verifier) verifyTopLevel(addr uint32, main bool) error {
	if int(addr) >= len(v.bc) {
		return v.errorf(addr, ErrUnexpectedEof, "no end-of-file marker found in the bytecode section")
	}

	switch v.states[addr].kind {
	case stateProc, stateEof:
		return nil
	case stateBody, stateUnknown:
	}

	opAddr := addr
	op := Opcode(v.bc[addr])
	addr++

	switch op {
	case OpBegin, OpCbegin:
		if main && op == OpCbegin {
			return v.errorf(opAddr, ErrCallTargetInvalid,
				"the first procedure must not close over variables, but it's declared with CBEGIN")
		}

		params, err := v.readU32("the parameter count", &addr, false)
		if err != nil {
			return err
		}
		locals, err := v.readU32("the local count", &addr, false)
		if err != nil {
			return err
		}
		if main && params != 2 {
			return v.errorf(opAddr, ErrArityMismatch,
				"the main procedure must have 2 parameters, got %d", params)
		}

		v.procs[opAddr] = &ProcInfo{
			Params:    params,
			Locals:    locals,
			IsClosure: op == OpCbegin,
		}
		v.states[opAddr] = byteState{kind: stateProc, procAddr: opAddr}

		// The body starts past the two immediates, at height 0.
		v.worklist = append(v.worklist, verifyReq{addr: addr, procAddr: opAddr})

	case OpEof:
		if main {
			return v.errorf(opAddr, ErrCallTargetInvalid, "no main procedure definition found")
		}
		v.states[opAddr] = byteState{kind: stateEof}

	default:
		return v.errorf(opAddr, ErrIllegalOp,
			"encountered an illegal top-level bytecode byte %#02x", byte(op))
	}

	return nil
}

// verifyBody abstractly executes the instruction at addr within the
// procedure at procAddr, entering with the given static stack height.
// Revisiting a byte with the same height is idempotent; with a
// different height it is an error.
func (v *verifier) verifyBody(addr, procAddr, height uint32) error {
	if int(addr) >= len(v.bc) {
		return v.errorf(addr, ErrUnexpectedEof,
			"encountered the end of the file unexpectedly while verifying the bytecode")
	}

	st := &v.states[addr]
	switch st.kind {
	case stateBody:
		if st.procAddr != procAddr {
			return v.errorf(addr, ErrJumpTargetInvalid,
				"an instruction is part of multiple procedure definitions (at %#x and %#x)",
				st.procAddr, procAddr)
		}
		if st.height != height {
			return v.errorf(addr, ErrStackHeightMismatch,
				"detected unbalanced static stack heights: %d and %d", st.height, height)
		}
		return nil
	case stateProc, stateEof, stateUnknown:
	}

	proc := v.procs[procAddr]
	st.kind = stateBody
	st.procAddr = procAddr
	st.height = height
	if height > proc.StackSize {
		proc.StackSize = height
	}

	// cur is the running height; st.height keeps the entry height so
	// that revisits compare against it.
	cur := height

	opAddr := addr
	op := Opcode(v.bc[addr])
	addr++

	checkStack := func(pops, pushes uint32) error {
		if cur < pops {
			return v.errorf(opAddr, ErrStackUnderflow,
				"not enough operands on the stack: expected at least %d, have %d", pops, cur)
		}
		if maxStackHeight-cur < pushes {
			return v.errorf(opAddr, ErrStackOverflow,
				"exceeded the maximum static stack height of %d", maxStackHeight)
		}
		cur += pushes - pops
		if cur > proc.StackSize {
			proc.StackSize = cur
		}
		return nil
	}

	checkVarspec := func(vsAddr uint32, vs Varspec) error {
		switch vs.Kind {
		case VarGlobal:
			if vs.Idx >= v.mod.GlobalCount {
				return v.errorf(vsAddr, ErrIndexOutOfRange,
					"the global index %d is out of bounds: the module only has %d",
					vs.Idx, v.mod.GlobalCount)
			}
		case VarLocal:
			if vs.Idx >= proc.Locals {
				return v.errorf(vsAddr, ErrIndexOutOfRange,
					"the local index %d is out of bounds: the procedure only has %d",
					vs.Idx, proc.Locals)
			}
		case VarParam:
			if vs.Idx >= proc.Params {
				return v.errorf(vsAddr, ErrIndexOutOfRange,
					"the parameter index %d is out of bounds: the procedure only has %d",
					vs.Idx, proc.Params)
			}
		case VarCapture:
			if vs.Idx >= maxCaptures {
				return v.errorf(vsAddr, ErrIndexOutOfRange,
					"the captured variable index %d is too large: the maximum is %d",
					vs.Idx, maxCaptures)
			}
			if vs.Idx+1 > proc.Captures {
				proc.Captures = vs.Idx + 1
			}
		}
		return nil
	}

	// checkJmpTarget validates the target and propagates the current
	// (post-effect) height to it.
	checkJmpTarget := func(l, lAddr uint32) error {
		if int(l) >= len(v.bc) {
			return v.errorf(lAddr, ErrJumpTargetInvalid,
				"the jump target %#x is out of bounds for the bytecode section of size %#x",
				l, len(v.bc))
		}
		switch Opcode(v.bc[l]) {
		case OpBegin, OpCbegin:
			return v.errorf(lAddr, ErrJumpTargetInvalid,
				"the jump target %#x refers to the beginning of a procedure declaration", l)
		case OpEof:
			return v.errorf(lAddr, ErrJumpTargetInvalid,
				"the jump target %#x refers to the end-of-file marker", l)
		}
		v.worklist = append(v.worklist, verifyReq{addr: l, procAddr: procAddr, height: cur})
		return nil
	}

	continuePath := true
	var err error

	switch {
	case op.IsBinop():
		err = checkStack(2, 1)

	case op == OpConst:
		if _, err = v.readU32("the integer constant", &addr, true); err == nil {
			err = checkStack(0, 1)
		}

	case op == OpString:
		sAddr := addr
		var s uint32
		if s, err = v.readU32("the string table offset", &addr, false); err == nil {
			if err = v.verifyStrtabEntry(s, sAddr); err == nil {
				err = checkStack(0, 1)
			}
		}

	case op == OpSexp:
		sAddr := addr
		var s, n uint32
		if s, err = v.readU32("the string table offset", &addr, false); err == nil {
			if n, err = v.readU32("the sexp member count", &addr, false); err == nil {
				if err = v.verifyStrtabEntry(s, sAddr); err == nil {
					err = checkStack(n, 1)
				}
			}
		}

	case op == OpSti:
		err = checkStack(2, 1)

	case op == OpSta:
		err = checkStack(3, 1)

	case op == OpJmp:
		continuePath = false
		lAddr := addr
		var l uint32
		if l, err = v.readU32("the jump target", &addr, false); err == nil {
			err = checkJmpTarget(l, lAddr)
		}

	case op == OpEnd || op == OpRet:
		continuePath = false
		if cur != 1 {
			return v.errorf(opAddr, ErrStackHeightMismatch,
				"a procedure must exit with exactly one value on the stack, have %d", cur)
		}

	case op == OpDrop:
		err = checkStack(1, 0)

	case op == OpDup:
		err = checkStack(1, 2)

	case op == OpSwap:
		err = checkStack(2, 2)

	case op == OpElem:
		err = checkStack(2, 1)

	case isVarOp(op) && op < OpStG:
		// The opcode byte doubles as the varspec kind byte: back up and
		// reread it with the high nibble masked off.
		addr = opAddr
		var vs Varspec
		vsAddr := opAddr
		if vs, err = v.readVarspec(&addr, true); err == nil {
			if err = checkVarspec(vsAddr, vs); err == nil {
				err = checkStack(0, 1)
			}
		}

	case isVarOp(op):
		addr = opAddr
		var vs Varspec
		vsAddr := opAddr
		if vs, err = v.readVarspec(&addr, true); err == nil {
			if err = checkVarspec(vsAddr, vs); err == nil {
				err = checkStack(1, 1)
			}
		}

	case op == OpCjmpZ || op == OpCjmpNz:
		lAddr := addr
		var l uint32
		if l, err = v.readU32("the jump target", &addr, false); err == nil {
			if err = checkStack(1, 0); err == nil {
				err = checkJmpTarget(l, lAddr)
			}
		}

	case op == OpBegin:
		return v.errorf(opAddr, ErrIllegalOp,
			"encountered a BEGIN instruction nested inside a procedure declared at %#x", procAddr)

	case op == OpCbegin:
		return v.errorf(opAddr, ErrIllegalOp,
			"encountered a CBEGIN instruction nested inside a procedure declared at %#x", procAddr)

	case op == OpClosure:
		var l, n uint32
		if l, err = v.readU32("the call target", &addr, false); err == nil {
			if n, err = v.readU32("the captured variable count", &addr, false); err == nil {
				for i := uint32(0); err == nil && i < n; i++ {
					var vs Varspec
					vsAddr := addr
					if vs, err = v.readVarspec(&addr, false); err == nil {
						err = checkVarspec(vsAddr, vs)
					}
				}
				if err == nil {
					err = checkStack(0, 1)
				}
				if err == nil {
					v.post = append(v.post, postCheck{addr: opAddr, target: l, count: n, isClosure: true})
					v.worklist = append(v.worklist, verifyReq{addr: l, topLevel: true})
				}
			}
		}

	case op == OpCallC:
		var n uint32
		if n, err = v.readU32("the argument count", &addr, false); err == nil {
			err = checkStack(n+1, 1)
		}

	case op == OpCall:
		var l, n uint32
		if l, err = v.readU32("the call target", &addr, false); err == nil {
			if n, err = v.readU32("the argument count", &addr, false); err == nil {
				if err = checkStack(n, 1); err == nil {
					v.post = append(v.post, postCheck{addr: opAddr, target: l, count: n})
					v.worklist = append(v.worklist, verifyReq{addr: l, topLevel: true})
				}
			}
		}

	case op == OpTag:
		sAddr := addr
		var s uint32
		if s, err = v.readU32("the string table offset", &addr, false); err == nil {
			if _, err = v.readU32("the member count", &addr, false); err == nil {
				if err = v.verifyStrtabEntry(s, sAddr); err == nil {
					err = checkStack(1, 1)
				}
			}
		}

	case op == OpArray:
		if _, err = v.readU32("the element count", &addr, false); err == nil {
			err = checkStack(1, 1)
		}

	case op == OpFail:
		continuePath = false
		if _, err = v.readU32("the line number", &addr, false); err == nil {
			if _, err = v.readU32("the column number", &addr, false); err == nil {
				err = checkStack(1, 0)
			}
		}

	case op == OpLine:
		_, err = v.readU32("the line number", &addr, false)

	case op == OpPattEqStr:
		err = checkStack(2, 1)

	case op >= OpPattString && op <= OpPattFun:
		err = checkStack(1, 1)

	case op == OpCallLread:
		err = checkStack(0, 1)

	case op == OpCallLwrite || op == OpCallLlength || op == OpCallLstring:
		err = checkStack(1, 1)

	case op == OpCallBarray:
		var n uint32
		if n, err = v.readU32("the element count", &addr, false); err == nil {
			err = checkStack(n, 1)
		}

	case op == OpEof:
		return v.errorf(opAddr, ErrIllegalOp,
			"encountered an unexpected end-of-file marker inside a procedure definition")

	default:
		return v.errorf(opAddr, ErrIllegalOp,
			"encountered an illegal opcode %#02x", byte(op))
	}

	if err != nil {
		return err
	}

	if op == OpEnd {
		// Procedures are laid out back to back: the byte after END is
		// either the next procedure or the EOF sentinel.
		v.worklist = append(v.worklist, verifyReq{addr: addr, topLevel: true})
	} else if continuePath {
		v.worklist = append(v.worklist, verifyReq{addr: addr, procAddr: procAddr, height: cur})
	}

	return nil
}

// ---------------------------------------------------------------------------
// Deferred validations
// ---------------------------------------------------------------------------

func (v *verifier) postValidate() error {
	for _, req := range v.post {
		if int(req.target) >= len(v.bc) {
			return v.errorf(req.addr, ErrCallTargetInvalid,
				"the %s refers to address %#x, which is out of bounds for the bytecode section of size %#x",
				postCheckKind(req), req.target, len(v.bc))
		}
		proc, ok := v.procs[req.target]
		if !ok {
			return v.errorf(req.addr, ErrCallTargetInvalid,
				"the %s refers to address %#x, which is not a procedure definition",
				postCheckKind(req), req.target)
		}

		if req.isClosure {
			if req.count < proc.Captures {
				return v.errorf(req.addr, ErrClosureCaptureMismatch,
					"the closure instantiation captures %d variables while the procedure needs at least %d",
					req.count, proc.Captures)
			}
			continue
		}

		if proc.IsClosure {
			return v.errorf(req.addr, ErrCallTargetInvalid,
				"a closure cannot be called directly, as the call does not capture variables")
		}
		if req.count != proc.Params {
			return v.errorf(req.addr, ErrArityMismatch,
				"the call has a wrong number of arguments: the procedure expects %d, got %d",
				proc.Params, req.count)
		}
	}

	for _, sym := range v.mod.Symtab {
		if _, ok := v.procs[sym.Address]; !ok {
			return v.errorf(sym.Address, ErrCallTargetInvalid,
				"the symbol points to address %#x, which is not a procedure definition", sym.Address)
		}
	}

	return nil
}

func postCheckKind(req postCheck) string {
	if req.isClosure {
		return "closure instantiation"
	}
	return "call"
}

// ---------------------------------------------------------------------------
// Raw reads
// ---------------------------------------------------------------------------

// readU32 reads a 32-bit immediate at *addr and advances past it. The
// immediate must leave at least the EOF sentinel unconsumed. Values
// with the high bit set are rejected unless allowNeg.
func (v *verifier) readU32(field string, addr *uint32, allowNeg bool) (uint32, error) {
	if int(*addr)+4 >= len(v.bc) {
		return 0, v.errorf(*addr, ErrUnexpectedEof,
			"encountered the end of the file unexpectedly while trying to read %s", field)
	}
	result := binary.LittleEndian.Uint32(v.bc[*addr:])
	if !allowNeg && result>>31 != 0 {
		return 0, v.errorf(*addr, ErrBadHeader,
			"the value %#x is too large for %s", result, field)
	}
	*addr += 4
	return result, nil
}

// readVarspec reads a 5-byte variable descriptor at *addr and advances
// past it. With ignoreHi the high nibble of the kind byte is masked off
// (the LD/LDA/ST opcode byte doubles as the kind byte).
func (v *verifier) readVarspec(addr *uint32, ignoreHi bool) (Varspec, error) {
	if int(*addr)+5 >= len(v.bc) {
		return Varspec{}, v.errorf(*addr, ErrUnexpectedEof,
			"encountered the end of the file unexpectedly while trying to read a variable descriptor")
	}

	kind := v.bc[*addr]
	if ignoreHi {
		kind &= 0xf
	}
	if kind > byte(VarCapture) {
		return Varspec{}, v.errorf(*addr, ErrIllegalVarKind,
			"unrecognized variable kind encoding: %#02x", kind)
	}

	idx := binary.LittleEndian.Uint32(v.bc[*addr+1:])
	*addr += 5
	return Varspec{Kind: VarKind(kind), Idx: idx}, nil
}
