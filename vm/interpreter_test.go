package vm

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// runProgram verifies and executes a module, returning its stdout.
func runProgram(t *testing.T, mod *Module, opts Options) (string, error) {
	t.Helper()

	var info *ModuleInfo
	if !opts.DynamicChecks {
		var err error
		info, err = Verify(mod)
		if err != nil {
			t.Fatalf("Verify() = %v, want nil", err)
		}
	}

	var out bytes.Buffer
	opts.Output = &out
	if opts.Input == nil {
		opts.Input = strings.NewReader("")
	}
	err := NewInterpreter(mod, info, opts).Run()
	return out.String(), err
}

// arithmeticProgram is main() { write(1 + 2) }.
func arithmeticProgram() *Module {
	b := NewProgramBuilder()
	b.EmitBegin(2, 0)
	b.EmitConst(1)
	b.EmitConst(2)
	b.Emit(OpAdd)
	b.Emit(OpCallLwrite)
	b.Emit(OpEnd)
	return b.Build("arith")
}

// factorialProgram is main() { write(fact(n)) } with a recursive fact.
func factorialProgram(n int32) *Module {
	b := NewProgramBuilder()
	fact := b.NewLabel()

	b.EmitBegin(2, 0)
	b.EmitConst(n)
	b.EmitCall(fact, 1)
	b.Emit(OpCallLwrite)
	b.Emit(OpEnd)

	b.Mark(fact)
	rec := b.NewLabel()
	b.EmitBegin(1, 0)
	b.EmitVar(OpLdG, VarParam, 0)
	b.EmitConst(0)
	b.Emit(OpEq)
	b.EmitJump(OpCjmpZ, rec) // n != 0: recurse
	b.EmitConst(1)
	b.Emit(OpRet)
	b.Mark(rec)
	b.EmitVar(OpLdG, VarParam, 0)
	b.EmitVar(OpLdG, VarParam, 0)
	b.EmitConst(1)
	b.Emit(OpSub)
	b.EmitCall(fact, 1)
	b.Emit(OpMul)
	b.Emit(OpEnd)

	return b.Build("fact")
}

// ---------------------------------------------------------------------------
// End-to-end scenarios
// ---------------------------------------------------------------------------

func TestInterpreterArithmetic(t *testing.T) {
	out, err := runProgram(t, arithmeticProgram(), Options{})
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if out != "3\n" {
		t.Errorf("output = %q, want %q", out, "3\n")
	}
}

func TestInterpreterFactorial(t *testing.T) {
	out, err := runProgram(t, factorialProgram(5), Options{})
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if out != "120\n" {
		t.Errorf("output = %q, want %q", out, "120\n")
	}
}

func TestInterpreterFactorialDynamicChecks(t *testing.T) {
	// The dynamic-checks build must agree with the trusted build on
	// valid bytecode.
	out, err := runProgram(t, factorialProgram(5), Options{DynamicChecks: true})
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if out != "120\n" {
		t.Errorf("output = %q, want %q", out, "120\n")
	}
}

func TestInterpreterSexpTag(t *testing.T) {
	// Builds Cons(1, Nil), then checks TAG Cons 2 and TAG Nil 0.
	b := NewProgramBuilder()
	b.EmitBegin(2, 0)
	b.EmitConst(1)
	b.EmitSexp("Nil", 0)
	b.EmitSexp("Cons", 2)
	b.Emit(OpDup)
	b.EmitTag("Cons", 2)
	b.Emit(OpCallLwrite)
	b.Emit(OpDrop)
	b.EmitTag("Nil", 0)
	b.Emit(OpCallLwrite)
	b.Emit(OpEnd)

	out, err := runProgram(t, b.Build("sexp"), Options{})
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if out != "1\n0\n" {
		t.Errorf("output = %q, want %q", out, "1\n0\n")
	}
}

func TestInterpreterMatchFailure(t *testing.T) {
	b := NewProgramBuilder()
	b.EmitBegin(2, 0)
	b.EmitLine(7)
	b.EmitConst(42)
	b.EmitFail(7, 17)

	_, err := runProgram(t, b.Build("failing"), Options{})
	if !errors.Is(err, ErrMatchFailure) {
		t.Fatalf("Run() = %v, want ErrMatchFailure", err)
	}

	var rtErr *RuntimeError
	if !errors.As(err, &rtErr) {
		t.Fatalf("error is not a RuntimeError: %v", err)
	}
	if !strings.Contains(rtErr.Error(), "L7:17") {
		t.Errorf("message %q does not mention L7:17", rtErr.Error())
	}
	if !strings.Contains(rtErr.Error(), "42") {
		t.Errorf("message %q does not mention the scrutinee 42", rtErr.Error())
	}
	if len(rtErr.Backtrace) == 0 {
		t.Error("backtrace is empty")
	} else if rtErr.Backtrace[0].Line != 7 {
		t.Errorf("backtrace line = %d, want 7", rtErr.Backtrace[0].Line)
	}
}

func TestInterpreterClosure(t *testing.T) {
	// The closure captures a local; calling it twice returns the
	// captured value unchanged both times.
	b := NewProgramBuilder()
	clos := b.NewLabel()

	b.EmitBegin(2, 1)
	b.EmitConst(99)
	b.EmitVar(OpStG, VarLocal, 0)
	b.Emit(OpDrop)
	b.EmitClosure(clos, Varspec{Kind: VarLocal, Idx: 0})
	b.Emit(OpDup)
	b.EmitCallC(0)
	b.Emit(OpCallLwrite)
	b.Emit(OpDrop)
	b.EmitCallC(0)
	b.Emit(OpCallLwrite)
	b.Emit(OpEnd)

	b.Mark(clos)
	b.EmitCbegin(0, 0)
	b.EmitVar(OpLdG, VarCapture, 0)
	b.Emit(OpEnd)

	out, err := runProgram(t, b.Build("closure"), Options{})
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if out != "99\n99\n" {
		t.Errorf("output = %q, want %q", out, "99\n99\n")
	}
}

func TestInterpreterStackOverflow(t *testing.T) {
	// Infinite recursion must end with ErrStackOverflow, not a host
	// stack crash.
	b := NewProgramBuilder()
	main := b.Here()
	b.EmitBegin(2, 0)
	b.EmitConst(0)
	b.EmitConst(0)
	b.EmitCall(main, 2)
	b.Emit(OpEnd)

	_, err := runProgram(t, b.Build("loop"), Options{MaxStack: 512})
	if !errors.Is(err, ErrStackOverflow) {
		t.Fatalf("Run() = %v, want ErrStackOverflow", err)
	}
}

func TestInterpreterDivisionByZero(t *testing.T) {
	for _, op := range []Opcode{OpDiv, OpMod} {
		b := NewProgramBuilder()
		b.EmitBegin(2, 0)
		b.EmitConst(1)
		b.EmitConst(0)
		b.Emit(op)
		b.Emit(OpEnd)

		_, err := runProgram(t, b.Build("div"), Options{})
		if !errors.Is(err, ErrDivisionByZero) {
			t.Errorf("%s: Run() = %v, want ErrDivisionByZero", mnemonic(op), err)
		}
	}
}

func TestInterpreterIndexOutOfRange(t *testing.T) {
	for _, idx := range []int32{-1, 2} {
		b := NewProgramBuilder()
		b.EmitBegin(2, 0)
		b.EmitConst(10)
		b.EmitConst(20)
		b.Emit(OpCallBarray).EmitU32(2)
		b.EmitConst(idx)
		b.Emit(OpElem)
		b.Emit(OpEnd)

		_, err := runProgram(t, b.Build("index"), Options{})
		if !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("index %d: Run() = %v, want ErrIndexOutOfRange", idx, err)
		}
	}
}

func TestInterpreterReentrance(t *testing.T) {
	rt := NewRuntime(0)
	if err := rt.Init(); err != nil {
		t.Fatalf("Init() = %v, want nil", err)
	}
	defer rt.Shutdown()

	_, err := runProgram(t, arithmeticProgram(), Options{})
	if !errors.Is(err, ErrReentrance) {
		t.Errorf("Run() = %v, want ErrReentrance", err)
	}
}

func TestInterpreterShutdownReleasesGuard(t *testing.T) {
	for i := 0; i < 2; i++ {
		if _, err := runProgram(t, arithmeticProgram(), Options{}); err != nil {
			t.Fatalf("run %d: Run() = %v, want nil", i, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Individual operations
// ---------------------------------------------------------------------------

func TestInterpreterRead(t *testing.T) {
	b := NewProgramBuilder()
	b.EmitBegin(2, 0)
	b.Emit(OpCallLread)
	b.Emit(OpCallLwrite)
	b.Emit(OpEnd)

	out, err := runProgram(t, b.Build("read"), Options{Input: strings.NewReader("7\n")})
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if out != " > 7\n" {
		t.Errorf("output = %q, want %q", out, " > 7\n")
	}
}

func TestInterpreterBarrayElemSta(t *testing.T) {
	b := NewProgramBuilder()
	b.EmitBegin(2, 0)
	b.EmitConst(10)
	b.EmitConst(20)
	b.Emit(OpCallBarray).EmitU32(2)
	b.Emit(OpDup)
	b.EmitConst(1)
	b.Emit(OpElem)
	b.Emit(OpCallLwrite)
	b.Emit(OpDrop)
	b.EmitConst(0)
	b.EmitConst(99)
	b.Emit(OpSta)
	b.Emit(OpCallLwrite)
	b.Emit(OpEnd)

	out, err := runProgram(t, b.Build("array"), Options{})
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if out != "20\n99\n" {
		t.Errorf("output = %q, want %q", out, "20\n99\n")
	}
}

func TestInterpreterStringOps(t *testing.T) {
	// length("abc"), "abc"[1], and the =str pattern test.
	b := NewProgramBuilder()
	b.EmitBegin(2, 0)
	b.EmitString("abc")
	b.Emit(OpCallLlength)
	b.Emit(OpCallLwrite)
	b.Emit(OpDrop)
	b.EmitString("abc")
	b.EmitConst(1)
	b.Emit(OpElem)
	b.Emit(OpCallLwrite)
	b.Emit(OpDrop)
	b.EmitString("abc")
	b.EmitString("abc")
	b.Emit(OpPattEqStr)
	b.Emit(OpCallLwrite)
	b.Emit(OpEnd)

	out, err := runProgram(t, b.Build("strings"), Options{})
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if out != "3\n98\n1\n" {
		t.Errorf("output = %q, want %q", out, "3\n98\n1\n")
	}
}

func TestInterpreterPatternTests(t *testing.T) {
	// #val on an integer, #str on a string, #fun on a non-closure.
	b := NewProgramBuilder()
	b.EmitBegin(2, 0)
	b.EmitConst(5)
	b.Emit(OpPattVal)
	b.Emit(OpCallLwrite)
	b.Emit(OpDrop)
	b.EmitString("s")
	b.Emit(OpPattString)
	b.Emit(OpCallLwrite)
	b.Emit(OpDrop)
	b.EmitConst(5)
	b.Emit(OpPattFun)
	b.Emit(OpCallLwrite)
	b.Emit(OpEnd)

	out, err := runProgram(t, b.Build("patterns"), Options{})
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if out != "1\n1\n0\n" {
		t.Errorf("output = %q, want %q", out, "1\n1\n0\n")
	}
}

func TestInterpreterEqMixedTypes(t *testing.T) {
	// Comparing an integer with a boxed value yields false, not an
	// error.
	b := NewProgramBuilder()
	b.EmitBegin(2, 0)
	b.EmitConst(5)
	b.EmitString("s")
	b.Emit(OpEq)
	b.Emit(OpCallLwrite)
	b.Emit(OpEnd)

	out, err := runProgram(t, b.Build("eq"), Options{})
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if out != "0\n" {
		t.Errorf("output = %q, want %q", out, "0\n")
	}
}

func TestInterpreterWriteRejectsBoxed(t *testing.T) {
	b := NewProgramBuilder()
	b.EmitBegin(2, 0)
	b.EmitString("s")
	b.Emit(OpCallLwrite)
	b.Emit(OpEnd)

	_, err := runProgram(t, b.Build("badwrite"), Options{})
	if !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Run() = %v, want ErrTypeMismatch", err)
	}
}

func TestInterpreterLstring(t *testing.T) {
	// Lstring renders the sexp, and length of the rendering comes out
	// through Llength.
	b := NewProgramBuilder()
	b.EmitBegin(2, 0)
	b.EmitConst(1)
	b.EmitConst(2)
	b.EmitSexp("Pair", 2)
	b.Emit(OpCallLstring)
	b.Emit(OpCallLlength)
	b.Emit(OpCallLwrite)
	b.Emit(OpEnd)

	out, err := runProgram(t, b.Build("lstring"), Options{})
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	// "Pair (1, 2)" is 11 bytes.
	if out != "11\n" {
		t.Errorf("output = %q, want %q", out, "11\n")
	}
}

func TestInterpreterStoreLoadGlobal(t *testing.T) {
	b := NewProgramBuilder()
	b.Globals(1)
	b.EmitBegin(2, 0)
	b.EmitConst(123)
	b.EmitVar(OpStG, VarGlobal, 0)
	b.Emit(OpDrop)
	b.EmitVar(OpLdG, VarGlobal, 0)
	b.Emit(OpCallLwrite)
	b.Emit(OpEnd)

	out, err := runProgram(t, b.Build("globals"), Options{})
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if out != "123\n" {
		t.Errorf("output = %q, want %q", out, "123\n")
	}
}

func TestInterpreterSwap(t *testing.T) {
	b := NewProgramBuilder()
	b.EmitBegin(2, 0)
	b.EmitConst(1)
	b.EmitConst(2)
	b.Emit(OpSwap)
	b.Emit(OpSub) // 2 - 1
	b.Emit(OpCallLwrite)
	b.Emit(OpEnd)

	out, err := runProgram(t, b.Build("swap"), Options{})
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if out != "1\n" {
		t.Errorf("output = %q, want %q", out, "1\n")
	}
}

func TestInterpreterNegativeConst(t *testing.T) {
	b := NewProgramBuilder()
	b.EmitBegin(2, 0)
	b.EmitConst(-3)
	b.EmitConst(4)
	b.Emit(OpMul)
	b.Emit(OpCallLwrite)
	b.Emit(OpEnd)

	out, err := runProgram(t, b.Build("negative"), Options{})
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if out != "-12\n" {
		t.Errorf("output = %q, want %q", out, "-12\n")
	}
}

func TestInterpreterReservedOpFaults(t *testing.T) {
	// The reserved STI opcode decodes and verifies, but executing it is
	// an error.
	b := NewProgramBuilder()
	b.EmitBegin(2, 0)
	b.EmitConst(1)
	b.EmitConst(2)
	b.Emit(OpSti)
	b.Emit(OpEnd)

	_, err := runProgram(t, b.Build("sti"), Options{})
	if !errors.Is(err, ErrIllegalOp) {
		t.Errorf("Run() = %v, want ErrIllegalOp", err)
	}
}
