package vm

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"fortio.org/safecast"
	"github.com/tliron/commonlog"
)

var interpLog = commonlog.GetLogger("golama.interp")

// entryPC is the saved-pc sentinel of the initial frame: returning
// through it ends the run.
const entryPC = ^uint32(0)

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------

// Options configures interpreter execution.
type Options struct {
	// DynamicChecks re-verifies each operation at runtime instead of
	// trusting the static verifier. The interpreter then accepts a nil
	// ModuleInfo.
	DynamicChecks bool

	// Trace prints a per-cycle dispatch line to TraceOutput.
	Trace bool

	// MaxStack bounds the virtual stack in cells; 0 selects
	// MaxStackSize.
	MaxStack int

	// Input feeds the Lread built-in; os.Stdin when nil.
	Input io.Reader

	// Output receives Lwrite output; os.Stdout when nil.
	Output io.Writer

	// TraceOutput receives trace lines; os.Stderr when nil.
	TraceOutput io.Writer
}

// frame is the runtime record of an active procedure invocation.
type frame struct {
	procAddr    uint32
	savedPC     uint32
	savedBase   int
	savedArgs   uint32
	savedLocals uint32
	line        uint32
	isClosure   bool // a closure object lives one slot below the arguments
}

// Interpreter is the switch-dispatched stack machine. It is
// single-threaded and synchronous; the only blocking operation is Lread.
type Interpreter struct {
	mod  *Module
	info *ModuleInfo
	rt   *Runtime
	opts Options

	input  io.Reader
	output io.Writer
	trace  io.Writer

	frames []frame
	pc     uint32
	base   int
	args   uint32
	locals uint32
}

// NewInterpreter creates an interpreter over a verified module. info
// may be nil only when opts.DynamicChecks is set.
func NewInterpreter(mod *Module, info *ModuleInfo, opts Options) *Interpreter {
	in := &Interpreter{
		mod:    mod,
		info:   info,
		opts:   opts,
		input:  opts.Input,
		output: opts.Output,
		trace:  opts.TraceOutput,
	}
	if in.input == nil {
		in.input = os.Stdin
	}
	if in.output == nil {
		in.output = os.Stdout
	}
	if in.trace == nil {
		in.trace = os.Stderr
	}
	return in
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

func (in *Interpreter) backtrace() []BacktraceFrame {
	result := make([]BacktraceFrame, 0, len(in.frames))
	pc := in.pc
	for i := len(in.frames) - 1; i >= 0; i-- {
		f := in.frames[i]
		result = append(result, BacktraceFrame{
			Module:   in.mod.Name,
			ProcName: in.mod.ProcName(f.procAddr),
			ProcAddr: f.procAddr,
			Line:     f.line,
			PC:       pc,
		})
		pc = f.savedPC
	}
	return result
}

func (in *Interpreter) failf(kind error, format string, args ...any) error {
	return &RuntimeError{
		Err:       kind,
		Msg:       fmt.Sprintf(format, args...),
		Backtrace: in.backtrace(),
	}
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Run executes the module from procedure 0 until the entry frame
// returns. The runtime is initialized on entry and shut down on every
// exit path; concurrent runs fail with ErrReentrance.
func (in *Interpreter) Run() error {
	in.rt = NewRuntime(in.opts.MaxStack)
	if err := in.rt.Init(); err != nil {
		return err
	}
	defer in.rt.Shutdown()
	in.rt.SetStrtab(in.mod.Strtab)
	interpLog.Infof("running module %q (dynamic checks: %v)", in.mod.Name, in.opts.DynamicChecks)

	// Globals plus two dummy arguments for the main procedure.
	in.args = 2
	in.base = int(in.mod.GlobalCount) + 2
	if err := in.rt.EnsureStack(in.base); err != nil {
		return in.failf(ErrStackOverflow, "stack overflow")
	}
	in.rt.SetBottom(in.base)
	in.pc = entryPC

	if err := in.enterFrame(0, false); err != nil {
		return err
	}
	return in.dispatch()
}

// enterFrame pushes a frame for the procedure at target and positions
// the pc at its BEGIN/CBEGIN, which the dispatch loop then executes.
func (in *Interpreter) enterFrame(target uint32, isClosure bool) error {
	in.frames = append(in.frames, frame{
		procAddr:    target,
		savedPC:     in.pc,
		savedBase:   in.base,
		savedArgs:   in.args,
		savedLocals: in.locals,
		isClosure:   isClosure,
	})
	in.pc = target

	if in.opts.DynamicChecks {
		bc := in.mod.Bytecode
		if int(target) >= len(bc) {
			return in.failf(ErrCallTargetInvalid,
				"address %#x points outside the bytecode section of size %#x", target, len(bc))
		}
		if op := Opcode(bc[target]); op != OpBegin && op != OpCbegin {
			return in.failf(ErrCallTargetInvalid,
				"expected BEGIN or CBEGIN at %#x, got %#02x", target, byte(op))
		}
	}
	return nil
}

func (in *Interpreter) dispatch() error {
	bc := in.mod.Bytecode
	rt := in.rt
	dyn := in.opts.DynamicChecks
	enteredMain := false

	for {
		if dyn && int(in.pc) >= len(bc) {
			return in.failf(ErrIllegalOp,
				"the PC (%#x) is outside the bytecode section of size %#x", in.pc, len(bc))
		}

		if in.opts.Trace {
			fmt.Fprintf(in.trace, "[%#x] op = %#02x stack height = %d (%d allocated)\n",
				in.pc, bc[in.pc], rt.StackSize(), len(rt.stack))
		}

		opAddr := in.pc
		op := Opcode(bc[in.pc])
		in.pc++

		switch {
		case op.IsBinop():
			if err := in.binop(op); err != nil {
				return err
			}

		case op == OpConst:
			k, err := in.readU32(true)
			if err != nil {
				return err
			}
			if err := in.push(FromInt(int64(int32(k)))); err != nil {
				return err
			}

		case op == OpString:
			s, err := in.readU32(false)
			if err != nil {
				return err
			}
			sv, err := in.strtabEntry(s)
			if err != nil {
				return err
			}
			if err := in.push(rt.AllocString([]byte(sv))); err != nil {
				return err
			}

		case op == OpSexp:
			s, err := in.readU32(false)
			if err != nil {
				return err
			}
			n, err := in.readU32(false)
			if err != nil {
				return err
			}
			if _, err := in.strtabEntry(s); err != nil {
				return err
			}
			if dyn {
				if err := in.checkHeight(int(n)); err != nil {
					return err
				}
			}
			v := rt.AllocSexp(s, int(n))
			for i := uint32(0); i < n; i++ {
				rt.SetField(v, int(i), rt.TopNth(int(n-i-1)))
			}
			rt.PopN(int(n))
			if err := in.push(v); err != nil {
				return err
			}

		case op == OpSta:
			if dyn {
				if err := in.checkHeight(3); err != nil {
					return err
				}
			}
			aggregate := rt.TopNth(2)
			idxV := rt.TopNth(1)
			v := rt.TopNth(0)

			idx, err := in.aggregateIndex(aggregate, idxV)
			if err != nil {
				return err
			}

			switch rt.KindOf(aggregate) {
			case KindArray, KindSexp:
				rt.SetField(aggregate, idx, v)
			case KindString:
				if !v.IsInt() {
					return in.failf(ErrTypeMismatch,
						"cannot assign %s at index %d into string (expected integer)",
						rt.TypeName(v), idx)
				}
				c := v.AsInt()
				if c < 0 || c > 0xff {
					return in.failf(ErrIndexOutOfRange,
						"cannot assign %d at index %d into string: does not fit into a byte", c, idx)
				}
				rt.Bytes(aggregate)[idx] = byte(c)
			}

			rt.PopN(3)
			if err := in.push(v); err != nil {
				return err
			}

		case op == OpJmp:
			l, err := in.readU32(false)
			if err != nil {
				return err
			}
			if err := in.checkJmp(l); err != nil {
				return err
			}
			in.pc = l
			continue

		case op == OpEnd || op == OpRet:
			if dyn {
				if err := in.checkHeight(1); err != nil {
					return err
				}
			}
			v := rt.TopNth(0)
			f := in.frames[len(in.frames)-1]
			bottom := in.base - int(in.args)
			if f.isClosure {
				bottom--
			}
			rt.SetBottom(bottom)

			if f.savedPC == entryPC {
				return nil
			}

			if err := in.push(v); err != nil {
				return err
			}
			in.pc = f.savedPC
			in.base = f.savedBase
			in.args = f.savedArgs
			in.locals = f.savedLocals
			in.frames = in.frames[:len(in.frames)-1]
			continue

		case op == OpDrop:
			if err := in.popN(1); err != nil {
				return err
			}

		case op == OpDup:
			if dyn {
				if err := in.checkHeight(1); err != nil {
					return err
				}
			}
			if err := in.push(rt.TopNth(0)); err != nil {
				return err
			}

		case op == OpSwap:
			if dyn {
				if err := in.checkHeight(2); err != nil {
					return err
				}
			}
			lhs := rt.TopNth(1)
			rt.SetTopNth(1, rt.TopNth(0))
			rt.SetTopNth(0, lhs)

		case op == OpElem:
			if dyn {
				if err := in.checkHeight(2); err != nil {
					return err
				}
			}
			aggregate := rt.TopNth(1)
			idxV := rt.TopNth(0)

			idx, err := in.aggregateIndex(aggregate, idxV)
			if err != nil {
				return err
			}

			rt.PopN(2)
			var elem Value
			switch rt.KindOf(aggregate) {
			case KindString:
				elem = FromInt(int64(rt.Bytes(aggregate)[idx]))
			default:
				elem = rt.Field(aggregate, idx)
			}
			if err := in.push(elem); err != nil {
				return err
			}

		case op == OpLdG, op == OpLdL, op == OpLdA, op == OpLdC:
			in.pc = opAddr
			vs, err := in.readVarspec()
			if err != nil {
				return err
			}
			v, err := in.varRead(vs)
			if err != nil {
				return err
			}
			if err := in.push(v); err != nil {
				return err
			}

		case op == OpStG, op == OpStL, op == OpStA, op == OpStC:
			in.pc = opAddr
			vs, err := in.readVarspec()
			if err != nil {
				return err
			}
			if dyn {
				if err := in.checkHeight(1); err != nil {
					return err
				}
			}
			if err := in.varWrite(vs, rt.TopNth(0)); err != nil {
				return err
			}

		case op == OpCjmpZ || op == OpCjmpNz:
			l, err := in.readU32(false)
			if err != nil {
				return err
			}
			if err := in.checkJmp(l); err != nil {
				return err
			}
			if dyn {
				if err := in.checkHeight(1); err != nil {
					return err
				}
			}
			cond := rt.TopNth(0)
			if !cond.IsInt() {
				return in.failf(ErrTypeMismatch,
					"wrong branch condition type: expected integer, got %s", rt.TypeName(cond))
			}
			rt.PopN(1)
			if (cond.AsInt() == 0) == (op == OpCjmpZ) {
				in.pc = l
				continue
			}

		case op == OpBegin || op == OpCbegin:
			params, err := in.readU32(false)
			if err != nil {
				return err
			}
			localCount, err := in.readU32(false)
			if err != nil {
				return err
			}

			if dyn && !enteredMain {
				if params != 2 {
					return in.failf(ErrArityMismatch,
						"the main procedure must have 2 parameters, got %d", params)
				}
				if op == OpCbegin {
					return in.failf(ErrCallTargetInvalid,
						"the main procedure must be declared with BEGIN")
				}
			}
			enteredMain = true

			var stackSize uint32
			if in.info != nil {
				if proc, ok := in.info.Procs[in.frames[len(in.frames)-1].procAddr]; ok {
					stackSize = proc.StackSize
				}
			}

			in.base = rt.StackSize()
			newSize := int64(in.base) + int64(localCount) + int64(stackSize)
			if newSize > int64(rt.maxSize) {
				return in.failf(ErrStackOverflow, "stack overflow")
			}
			if err := rt.EnsureStack(int(newSize)); err != nil {
				return in.failf(ErrStackOverflow, "stack overflow")
			}
			in.args = params
			in.locals = localCount
			rt.SetBottom(in.base + int(localCount))

			if in.opts.Trace {
				fmt.Fprintf(in.trace, "entering %#x (%d args, %d locals, %d values pre-allocated)\n",
					in.frames[len(in.frames)-1].procAddr, in.args, in.locals, stackSize)
			}

		case op == OpClosure:
			l, err := in.readU32(false)
			if err != nil {
				return err
			}
			if err := in.checkBegin(l); err != nil {
				return err
			}
			n, err := in.readU32(false)
			if err != nil {
				return err
			}

			closure := rt.AllocClosure(int(n))
			if err := in.push(closure); err != nil {
				return err
			}
			rt.SetField(closure, 0, FromInt(int64(l)))

			for i := uint32(0); i < n; i++ {
				if dyn && int(in.pc) >= len(bc) {
					return in.failf(ErrUnexpectedEof,
						"the PC (%#x) is outside the bytecode section of size %#x", in.pc, len(bc))
				}
				kind := bc[in.pc]
				in.pc++
				m, err := in.readU32(false)
				if err != nil {
					return err
				}
				if kind > byte(VarCapture) {
					return in.failf(ErrIllegalVarKind,
						"unknown variable kind encoding: %#02x", kind)
				}
				v, err := in.varRead(Varspec{Kind: VarKind(kind), Idx: m})
				if err != nil {
					return err
				}
				rt.SetField(closure, int(i+1), v)
			}

		case op == OpCallC:
			n, err := in.readU32(false)
			if err != nil {
				return err
			}
			if dyn {
				if err := in.checkHeight(int(n) + 1); err != nil {
					return err
				}
			}
			closure := rt.TopNth(int(n))
			if !rt.IsKind(closure, KindClosure) {
				return in.failf(ErrTypeMismatch, "cannot call %s", rt.TypeName(closure))
			}
			l, err := safecast.Conv[uint32](rt.Field(closure, 0).AsInt())
			if err != nil {
				return in.failf(ErrCallTargetInvalid, "corrupt closure code address")
			}

			params, err := in.targetParams(l)
			if err != nil {
				return err
			}
			if params != n {
				return in.failf(ErrArityMismatch,
					"the function expected %d arguments, got %d", params, n)
			}

			if err := in.enterFrame(l, true); err != nil {
				return err
			}
			continue

		case op == OpCall:
			l, err := in.readU32(false)
			if err != nil {
				return err
			}
			if err := in.checkBegin(l); err != nil {
				return err
			}
			n, err := in.readU32(false)
			if err != nil {
				return err
			}

			if dyn {
				if Opcode(bc[l]) == OpCbegin {
					return in.failf(ErrCallTargetInvalid,
						"cannot call a CBEGIN-declared procedure at %#x without creating a closure first", l)
				}
				params, err := in.targetParams(l)
				if err != nil {
					return err
				}
				if params != n {
					return in.failf(ErrArityMismatch,
						"the function expected %d arguments, got %d", params, n)
				}
			}

			if err := in.enterFrame(l, false); err != nil {
				return err
			}
			continue

		case op == OpTag:
			s, err := in.readU32(false)
			if err != nil {
				return err
			}
			n, err := in.readU32(false)
			if err != nil {
				return err
			}
			expected, err := in.strtabEntry(s)
			if err != nil {
				return err
			}
			if dyn {
				if err := in.checkHeight(1); err != nil {
					return err
				}
			}
			v := rt.TopNth(0)
			rt.PopN(1)

			matches := false
			if rt.IsKind(v, KindSexp) {
				actual, _ := in.mod.StringAt(rt.SexpTag(v))
				matches = uint32(rt.Len(v)) == n && expected == actual
			}
			if err := in.push(FromBool(matches)); err != nil {
				return err
			}

		case op == OpArray:
			n, err := in.readU32(false)
			if err != nil {
				return err
			}
			if dyn {
				if err := in.checkHeight(1); err != nil {
					return err
				}
			}
			v := rt.TopNth(0)
			rt.PopN(1)
			matches := rt.IsKind(v, KindArray) && uint32(rt.Len(v)) == n
			if err := in.push(FromBool(matches)); err != nil {
				return err
			}

		case op == OpFail:
			ln, err := in.readU32(false)
			if err != nil {
				return err
			}
			col, err := in.readU32(false)
			if err != nil {
				return err
			}
			if dyn {
				if err := in.checkHeight(1); err != nil {
					return err
				}
			}
			scrutinee := rt.TopNth(0)
			rt.PopN(1)
			s, serr := in.rt.Stringify(scrutinee)
			if serr != nil {
				s = "<unprintable>"
			}
			return in.failf(ErrMatchFailure, "match failure for %s at L%d:%d", s, ln, col)

		case op == OpLine:
			ln, err := in.readU32(false)
			if err != nil {
				return err
			}
			in.frames[len(in.frames)-1].line = ln

		case op == OpPattEqStr:
			if dyn {
				if err := in.checkHeight(2); err != nil {
					return err
				}
			}
			lhs := rt.TopNth(1)
			rhs := rt.TopNth(0)
			rt.PopN(2)
			eq := false
			if rt.IsKind(lhs, KindString) && rt.IsKind(rhs, KindString) {
				eq = string(rt.Bytes(lhs)) == string(rt.Bytes(rhs))
			}
			if err := in.push(FromBool(eq)); err != nil {
				return err
			}

		case op >= OpPattString && op <= OpPattFun:
			if dyn {
				if err := in.checkHeight(1); err != nil {
					return err
				}
			}
			v := rt.TopNth(0)
			rt.PopN(1)
			var r bool
			switch op {
			case OpPattString:
				r = rt.IsKind(v, KindString)
			case OpPattArray:
				r = rt.IsKind(v, KindArray)
			case OpPattSexp:
				r = rt.IsKind(v, KindSexp)
			case OpPattRef:
				r = v.IsBoxed()
			case OpPattVal:
				r = v.IsInt()
			case OpPattFun:
				r = rt.IsKind(v, KindClosure)
			}
			if err := in.push(FromBool(r)); err != nil {
				return err
			}

		case op == OpCallLread:
			fmt.Fprint(in.output, " > ")
			var x int64
			fmt.Fscan(in.input, &x)
			if err := in.push(FromInt(x)); err != nil {
				return err
			}

		case op == OpCallLwrite:
			if dyn {
				if err := in.checkHeight(1); err != nil {
					return err
				}
			}
			v := rt.TopNth(0)
			if !v.IsInt() {
				return in.failf(ErrTypeMismatch,
					"cannot write %s (expected integer)", rt.TypeName(v))
			}
			rt.PopN(1)
			fmt.Fprintf(in.output, "%d\n", v.AsInt())
			if err := in.push(UnitValue); err != nil {
				return err
			}

		case op == OpCallLlength:
			if dyn {
				if err := in.checkHeight(1); err != nil {
					return err
				}
			}
			v := rt.TopNth(0)
			if !rt.IsAggregate(v) {
				return in.failf(ErrTypeMismatch,
					"cannot get the length of %s", rt.TypeName(v))
			}
			length := rt.Len(v)
			rt.PopN(1)
			if err := in.push(FromInt(int64(length))); err != nil {
				return err
			}

		case op == OpCallLstring:
			if dyn {
				if err := in.checkHeight(1); err != nil {
					return err
				}
			}
			v := rt.TopNth(0)
			s, serr := rt.Stringify(v)
			if serr != nil {
				return in.failf(ErrTypeMismatch, "%v", serr)
			}
			r := rt.AllocString([]byte(s))
			rt.PopN(1)
			if err := in.push(r); err != nil {
				return err
			}

		case op == OpCallBarray:
			n, err := in.readU32(false)
			if err != nil {
				return err
			}
			if dyn {
				if err := in.checkHeight(int(n)); err != nil {
					return err
				}
			}
			v := rt.AllocArray(int(n))
			for i := uint32(0); i < n; i++ {
				rt.SetField(v, int(i), rt.TopNth(int(n-i-1)))
			}
			rt.PopN(int(n))
			if err := in.push(v); err != nil {
				return err
			}

		default:
			// STI and LDA are reserved: never emitted by the compiler,
			// accepted by the verifier, illegal to execute. EOF and
			// unassigned bytes land here too.
			return in.failf(ErrIllegalOp,
				"illegal operation at %#x: %#02x", opAddr, byte(op))
		}

		if dyn {
			if err := in.checkFallthrough(); err != nil {
				return err
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Binary operations
// ---------------------------------------------------------------------------

func (in *Interpreter) binop(op Opcode) error {
	rt := in.rt
	if in.opts.DynamicChecks {
		if err := in.checkHeight(2); err != nil {
			return err
		}
	}
	v1 := rt.TopNth(1)
	v0 := rt.TopNth(0)

	if op == OpEq && (v1.IsInt() != v0.IsInt()) {
		rt.PopN(2)
		return in.push(FromBool(false))
	}

	if !v1.IsInt() || !v0.IsInt() {
		return in.failf(ErrTypeMismatch, "cannot apply binop %s to %s and %s",
			binopSigils[op], rt.TypeName(v1), rt.TypeName(v0))
	}

	lhs := v1.AsInt()
	rhs := v0.AsInt()
	rt.PopN(2)

	var result Value
	switch op {
	case OpAdd:
		result = FromInt(lhs + rhs)
	case OpSub:
		result = FromInt(lhs - rhs)
	case OpMul:
		result = FromInt(lhs * rhs)
	case OpDiv:
		if rhs == 0 {
			return in.failf(ErrDivisionByZero, "division by zero")
		}
		result = FromInt(lhs / rhs)
	case OpMod:
		if rhs == 0 {
			return in.failf(ErrDivisionByZero, "division by zero while taking the remainder")
		}
		result = FromInt(lhs % rhs)
	case OpLt:
		result = FromBool(lhs < rhs)
	case OpLe:
		result = FromBool(lhs <= rhs)
	case OpGt:
		result = FromBool(lhs > rhs)
	case OpGe:
		result = FromBool(lhs >= rhs)
	case OpEq:
		result = FromBool(lhs == rhs)
	case OpNe:
		result = FromBool(lhs != rhs)
	case OpAnd:
		result = FromBool(lhs != 0 && rhs != 0)
	case OpOr:
		result = FromBool(lhs != 0 || rhs != 0)
	}

	return in.push(result)
}

// ---------------------------------------------------------------------------
// Operand helpers
// ---------------------------------------------------------------------------

func (in *Interpreter) push(v Value) error {
	if err := in.rt.Push(v); err != nil {
		return in.failf(err, "stack overflow")
	}
	return nil
}

func (in *Interpreter) popN(n int) error {
	if in.opts.DynamicChecks {
		if err := in.checkHeight(n); err != nil {
			return err
		}
	}
	in.rt.PopN(n)
	return nil
}

func (in *Interpreter) checkHeight(n int) error {
	if in.rt.StackSize() < n {
		return in.failf(ErrStackUnderflow,
			"trying to access %d stack values, which is out of range for the stack of size %d",
			n, in.rt.StackSize())
	}
	return nil
}

// aggregateIndex validates an (aggregate, index) pair and returns the
// index as an int.
func (in *Interpreter) aggregateIndex(aggregate, idxV Value) (int, error) {
	if !in.rt.IsAggregate(aggregate) {
		return 0, in.failf(ErrTypeMismatch, "cannot index %s", in.rt.TypeName(aggregate))
	}
	if !idxV.IsInt() {
		return 0, in.failf(ErrTypeMismatch,
			"index must be an integer, got %s", in.rt.TypeName(idxV))
	}
	idx := idxV.AsInt()
	if length := int64(in.rt.Len(aggregate)); idx < 0 || idx >= length {
		return 0, in.failf(ErrIndexOutOfRange,
			"index %d out of range for an aggregate of length %d", idx, length)
	}
	return int(idx), nil
}

// readU32 reads the 32-bit immediate at the pc and advances past it.
func (in *Interpreter) readU32(allowNeg bool) (uint32, error) {
	bc := in.mod.Bytecode
	if in.opts.DynamicChecks {
		if int(in.pc)+4 > len(bc) {
			return 0, in.failf(ErrUnexpectedEof,
				"trying to read a 32-bit immediate at %#x would go beyond the size of the bytes (%#x)",
				in.pc, len(bc))
		}
	}
	result := binary.LittleEndian.Uint32(bc[in.pc:])
	if in.opts.DynamicChecks && !allowNeg && result>>31 != 0 {
		return 0, in.failf(ErrIllegalOp,
			"the 32-bit immediate %#x at %#x is too large", result, in.pc)
	}
	in.pc += 4
	return result, nil
}

// readVarspec reads the 5-byte descriptor at the pc (the kind byte's
// high nibble masked off) and advances past it.
func (in *Interpreter) readVarspec() (Varspec, error) {
	bc := in.mod.Bytecode
	if in.opts.DynamicChecks && int(in.pc)+5 > len(bc) {
		return Varspec{}, in.failf(ErrUnexpectedEof,
			"trying to read a variable descriptor at %#x would go beyond the size of the bytes (%#x)",
			in.pc, len(bc))
	}
	kind := bc[in.pc] & 0xf
	in.pc++
	if kind > byte(VarCapture) {
		return Varspec{}, in.failf(ErrIllegalVarKind,
			"unrecognized variable kind encoding: %#02x", kind)
	}
	idx := binary.LittleEndian.Uint32(bc[in.pc:])
	in.pc += 4
	return Varspec{Kind: VarKind(kind), Idx: idx}, nil
}

// varRead resolves a varspec against the current frame: globals at the
// stack base, locals and arguments relative to the frame base, captures
// through the frame's closure object.
func (in *Interpreter) varRead(vs Varspec) (Value, error) {
	rt := in.rt
	dyn := in.opts.DynamicChecks
	m := vs.Idx

	switch vs.Kind {
	case VarGlobal:
		if dyn && m >= in.mod.GlobalCount {
			return 0, in.failf(ErrIndexOutOfRange,
				"trying to access global #%d, but there are only %d globals declared",
				m, in.mod.GlobalCount)
		}
		return rt.At(int(m)), nil

	case VarLocal:
		if dyn && m >= in.locals {
			return 0, in.failf(ErrIndexOutOfRange,
				"trying to access local #%d, but there are only %d locals declared", m, in.locals)
		}
		return rt.At(in.base + int(m)), nil

	case VarParam:
		if dyn && m >= in.args {
			return 0, in.failf(ErrIndexOutOfRange,
				"trying to access argument #%d, but there are only %d arguments", m, in.args)
		}
		return rt.At(in.base - int(in.args) + int(m)), nil

	default: // VarCapture
		closure, err := in.frameClosure(m)
		if err != nil {
			return 0, err
		}
		return rt.Field(closure, int(m)+1), nil
	}
}

func (in *Interpreter) varWrite(vs Varspec, v Value) error {
	rt := in.rt
	dyn := in.opts.DynamicChecks
	m := vs.Idx

	switch vs.Kind {
	case VarGlobal:
		if dyn && m >= in.mod.GlobalCount {
			return in.failf(ErrIndexOutOfRange,
				"trying to access global #%d, but there are only %d globals declared",
				m, in.mod.GlobalCount)
		}
		rt.SetAt(int(m), v)

	case VarLocal:
		if dyn && m >= in.locals {
			return in.failf(ErrIndexOutOfRange,
				"trying to access local #%d, but there are only %d locals declared", m, in.locals)
		}
		rt.SetAt(in.base+int(m), v)

	case VarParam:
		if dyn && m >= in.args {
			return in.failf(ErrIndexOutOfRange,
				"trying to access argument #%d, but there are only %d arguments", m, in.args)
		}
		rt.SetAt(in.base-int(in.args)+int(m), v)

	default: // VarCapture
		closure, err := in.frameClosure(m)
		if err != nil {
			return err
		}
		rt.SetField(closure, int(m)+1, v)
	}

	return nil
}

// frameClosure returns the closure object associated with the current
// frame, which lives one slot below the arguments.
func (in *Interpreter) frameClosure(m uint32) (Value, error) {
	if in.opts.DynamicChecks {
		if !in.frames[len(in.frames)-1].isClosure {
			return 0, in.failf(ErrTypeMismatch,
				"trying to access a captured variable when there's no closure associated with the frame")
		}
	}
	closure := in.rt.At(in.base - int(in.args) - 1)
	if in.opts.DynamicChecks {
		if captures := in.rt.Len(closure) - 1; int(m) >= captures {
			return 0, in.failf(ErrIndexOutOfRange,
				"trying to access capture #%d, but there are only %d variables captured by the closure",
				m, captures)
		}
	}
	return closure, nil
}

// targetParams returns the declared parameter count of the procedure at
// l: from ModuleInfo when trusted, from the BEGIN immediate otherwise.
func (in *Interpreter) targetParams(l uint32) (uint32, error) {
	if in.info != nil {
		if proc, ok := in.info.Procs[l]; ok {
			return proc.Params, nil
		}
	}
	bc := in.mod.Bytecode
	if int(l)+5 > len(bc) {
		return 0, in.failf(ErrCallTargetInvalid,
			"address %#x must point to a valid BEGIN/CBEGIN instruction", l)
	}
	return binary.LittleEndian.Uint32(bc[l+1:]), nil
}

// ---------------------------------------------------------------------------
// Dynamic-mode structural checks
// ---------------------------------------------------------------------------

func (in *Interpreter) checkJmp(l uint32) error {
	if !in.opts.DynamicChecks {
		return nil
	}
	bc := in.mod.Bytecode
	if int(l) >= len(bc) {
		return in.failf(ErrJumpTargetInvalid,
			"address %#x points outside the bytecode section of size %#x", l, len(bc))
	}
	if op := Opcode(bc[l]); op == OpBegin || op == OpCbegin {
		return in.failf(ErrJumpTargetInvalid, "address %#x must not point to BEGIN/CBEGIN", l)
	}
	return nil
}

func (in *Interpreter) checkBegin(l uint32) error {
	if !in.opts.DynamicChecks {
		return nil
	}
	bc := in.mod.Bytecode
	if int(l) >= len(bc) {
		return in.failf(ErrCallTargetInvalid,
			"address %#x points outside the bytecode section of size %#x", l, len(bc))
	}
	if op := Opcode(bc[l]); op != OpBegin && op != OpCbegin {
		return in.failf(ErrCallTargetInvalid,
			"address %#x must point to BEGIN/CBEGIN, got %#02x", l, byte(op))
	}
	if int(l)+9 > len(bc) {
		return in.failf(ErrCallTargetInvalid,
			"address %#x must point to a valid BEGIN/CBEGIN instruction", l)
	}
	return nil
}

// checkFallthrough rejects falling off a procedure into the next
// BEGIN/CBEGIN or past the bytecode end.
func (in *Interpreter) checkFallthrough() error {
	bc := in.mod.Bytecode
	if int(in.pc) >= len(bc) {
		return in.failf(ErrIllegalOp,
			"the PC (%#x) is outside the bytecode section of size %#x", in.pc, len(bc))
	}
	if op := Opcode(bc[in.pc]); op == OpBegin || op == OpCbegin {
		return in.failf(ErrJumpTargetInvalid, "address %#x must not point to BEGIN/CBEGIN", in.pc)
	}
	return nil
}

// strtabEntry resolves a string-table offset, validating it in
// dynamic-checks mode.
func (in *Interpreter) strtabEntry(s uint32) (string, error) {
	sv, ok := in.mod.StringAt(s)
	if !ok {
		return "", in.failf(ErrStringTableOutOfRange,
			"string table offset %#x is out of range for the string table of size %#x",
			s, len(in.mod.Strtab))
	}
	return sv, nil
}
