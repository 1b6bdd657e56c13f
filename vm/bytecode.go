package vm

import (
	"encoding/binary"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Binary operations (two operands, one result).
const (
	OpAdd Opcode = 0x01 // BINOP +
	OpSub Opcode = 0x02 // BINOP -
	OpMul Opcode = 0x03 // BINOP *
	OpDiv Opcode = 0x04 // BINOP /
	OpMod Opcode = 0x05 // BINOP %
	OpLt  Opcode = 0x06 // BINOP <
	OpLe  Opcode = 0x07 // BINOP <=
	OpGt  Opcode = 0x08 // BINOP >
	OpGe  Opcode = 0x09 // BINOP >=
	OpEq  Opcode = 0x0a // BINOP ==
	OpNe  Opcode = 0x0b // BINOP !=
	OpAnd Opcode = 0x0c // BINOP &&
	OpOr  Opcode = 0x0d // BINOP !!
)

// Data and stack manipulation.
const (
	OpConst  Opcode = 0x10 // CONST k
	OpString Opcode = 0x11 // STRING s
	OpSexp   Opcode = 0x12 // SEXP s n
	OpSti    Opcode = 0x13 // STI (reserved, never emitted)
	OpSta    Opcode = 0x14 // STA
	OpJmp    Opcode = 0x15 // JMP l
	OpEnd    Opcode = 0x16 // END
	OpRet    Opcode = 0x17 // RET
	OpDrop   Opcode = 0x18 // DROP
	OpDup    Opcode = 0x19 // DUP
	OpSwap   Opcode = 0x1a // SWAP
	OpElem   Opcode = 0x1b // ELEM
)

// Variable access. The opcode byte doubles as the varspec kind byte:
// its low nibble encodes Global/Local/Param/Capture.
const (
	OpLdG Opcode = 0x20 // LD G(m)
	OpLdL Opcode = 0x21 // LD L(m)
	OpLdA Opcode = 0x22 // LD A(m)
	OpLdC Opcode = 0x23 // LD C(m)

	OpLdaG Opcode = 0x30 // LDA G(m) (reserved, never emitted)
	OpLdaL Opcode = 0x31 // LDA L(m) (reserved, never emitted)
	OpLdaA Opcode = 0x32 // LDA A(m) (reserved, never emitted)
	OpLdaC Opcode = 0x33 // LDA C(m) (reserved, never emitted)

	OpStG Opcode = 0x40 // ST G(m)
	OpStL Opcode = 0x41 // ST L(m)
	OpStA Opcode = 0x42 // ST A(m)
	OpStC Opcode = 0x43 // ST C(m)
)

// Control flow and procedures.
const (
	OpCjmpZ   Opcode = 0x50 // CJMPz l
	OpCjmpNz  Opcode = 0x51 // CJMPnz l
	OpBegin   Opcode = 0x52 // BEGIN params locals
	OpCbegin  Opcode = 0x53 // CBEGIN params locals
	OpClosure Opcode = 0x54 // CLOSURE l n V(m)...
	OpCallC   Opcode = 0x55 // CALLC n
	OpCall    Opcode = 0x56 // CALL l n
	OpTag     Opcode = 0x57 // TAG s n
	OpArray   Opcode = 0x58 // ARRAY n
	OpFail    Opcode = 0x59 // FAIL line col
	OpLine    Opcode = 0x5a // LINE line
)

// Pattern tests.
const (
	OpPattEqStr  Opcode = 0x60 // PATT =str
	OpPattString Opcode = 0x61 // PATT #string
	OpPattArray  Opcode = 0x62 // PATT #array
	OpPattSexp   Opcode = 0x63 // PATT #sexp
	OpPattRef    Opcode = 0x64 // PATT #ref
	OpPattVal    Opcode = 0x65 // PATT #val
	OpPattFun    Opcode = 0x66 // PATT #fun
)

// Built-in calls.
const (
	OpCallLread   Opcode = 0x70 // CALL Lread
	OpCallLwrite  Opcode = 0x71 // CALL Lwrite
	OpCallLlength Opcode = 0x72 // CALL Llength
	OpCallLstring Opcode = 0x73 // CALL Lstring
	OpCallBarray  Opcode = 0x74 // CALL Barray
)

// OpEof terminates the bytecode section. It must be the final byte.
const OpEof Opcode = 0xff

// IsBinop reports whether the opcode is one of the binary operations.
func (op Opcode) IsBinop() bool {
	return op >= OpAdd && op <= OpOr
}

// isVarOp reports whether the opcode belongs to the LD/LDA/ST families,
// whose low nibble encodes the variable kind.
func isVarOp(op Opcode) bool {
	group := op & 0xf0
	return (group == 0x20 || group == 0x30 || group == 0x40) && op&0x0f <= Opcode(VarCapture)
}

// binopSigils maps binary opcodes to their surface-syntax operators.
var binopSigils = [...]string{
	OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/", OpMod: "%",
	OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=",
	OpEq: "==", OpNe: "!=", OpAnd: "&&", OpOr: "!!",
}

// ---------------------------------------------------------------------------
// Variable descriptors
// ---------------------------------------------------------------------------

// VarKind classifies a varspec immediate.
type VarKind uint8

const (
	VarGlobal VarKind = iota
	VarLocal
	VarParam
	VarCapture
)

// String returns the disassembler sigil for the variable kind.
func (k VarKind) String() string {
	switch k {
	case VarGlobal:
		return "G"
	case VarLocal:
		return "L"
	case VarParam:
		return "A"
	case VarCapture:
		return "C"
	}
	return "?"
}

// Varspec is a decoded variable descriptor.
type Varspec struct {
	Kind VarKind
	Idx  uint32
}

// ---------------------------------------------------------------------------
// ProgramBuilder: helper for constructing modules
// ---------------------------------------------------------------------------

// ProgramBuilder assembles a bytecode module in memory: the bytecode
// stream, the string table and the symbol table. Jump and call targets
// are absolute addresses, expressed through labels.
type ProgramBuilder struct {
	bytes   []byte
	strtab  []byte
	interns map[string]uint32
	symtab  []Sym
	globals uint32
}

// NewProgramBuilder creates an empty builder.
func NewProgramBuilder() *ProgramBuilder {
	return &ProgramBuilder{
		bytes:   make([]byte, 0, 64),
		interns: make(map[string]uint32),
	}
}

// Globals declares the module-level variable slot count.
func (b *ProgramBuilder) Globals(n uint32) *ProgramBuilder {
	b.globals = n
	return b
}

// Len returns the current bytecode length, which is also the address of
// the next emitted instruction.
func (b *ProgramBuilder) Len() uint32 {
	return uint32(len(b.bytes))
}

// Intern adds a NUL-terminated string to the string table, reusing an
// existing entry when the same string was interned before. Returns its
// offset.
func (b *ProgramBuilder) Intern(s string) uint32 {
	if off, ok := b.interns[s]; ok {
		return off
	}
	off := uint32(len(b.strtab))
	b.strtab = append(b.strtab, s...)
	b.strtab = append(b.strtab, 0)
	b.interns[s] = off
	return off
}

// Symbol records a public symbol pointing at the given address.
func (b *ProgramBuilder) Symbol(name string, addr uint32) *ProgramBuilder {
	b.symtab = append(b.symtab, Sym{Address: addr, NameOffset: b.Intern(name)})
	return b
}

// Emit appends an opcode with no immediates.
func (b *ProgramBuilder) Emit(op Opcode) *ProgramBuilder {
	b.bytes = append(b.bytes, byte(op))
	return b
}

// EmitU32 appends a little-endian 32-bit immediate.
func (b *ProgramBuilder) EmitU32(v uint32) *ProgramBuilder {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	b.bytes = append(b.bytes, buf[:]...)
	return b
}

// EmitConst appends CONST k.
func (b *ProgramBuilder) EmitConst(k int32) *ProgramBuilder {
	return b.Emit(OpConst).EmitU32(uint32(k))
}

// EmitString appends STRING with the interned offset of s.
func (b *ProgramBuilder) EmitString(s string) *ProgramBuilder {
	return b.Emit(OpString).EmitU32(b.Intern(s))
}

// EmitSexp appends SEXP tag n.
func (b *ProgramBuilder) EmitSexp(tag string, n uint32) *ProgramBuilder {
	return b.Emit(OpSexp).EmitU32(b.Intern(tag)).EmitU32(n)
}

// EmitTag appends TAG tag n.
func (b *ProgramBuilder) EmitTag(tag string, n uint32) *ProgramBuilder {
	return b.Emit(OpTag).EmitU32(b.Intern(tag)).EmitU32(n)
}

// EmitBegin appends BEGIN params locals.
func (b *ProgramBuilder) EmitBegin(params, locals uint32) *ProgramBuilder {
	return b.Emit(OpBegin).EmitU32(params).EmitU32(locals)
}

// EmitCbegin appends CBEGIN params locals.
func (b *ProgramBuilder) EmitCbegin(params, locals uint32) *ProgramBuilder {
	return b.Emit(OpCbegin).EmitU32(params).EmitU32(locals)
}

// EmitVar appends an LD/LDA/ST-family instruction for the given
// variable. The opcode byte itself encodes the kind in its low nibble.
func (b *ProgramBuilder) EmitVar(group Opcode, kind VarKind, idx uint32) *ProgramBuilder {
	return b.Emit(group | Opcode(kind)).EmitU32(idx)
}

// EmitClosure appends CLOSURE target len(captures) captures...
func (b *ProgramBuilder) EmitClosure(target *Label, captures ...Varspec) *ProgramBuilder {
	b.Emit(OpClosure)
	b.emitLabel(target)
	b.EmitU32(uint32(len(captures)))
	for _, c := range captures {
		b.bytes = append(b.bytes, byte(c.Kind))
		b.EmitU32(c.Idx)
	}
	return b
}

// EmitCall appends CALL target n.
func (b *ProgramBuilder) EmitCall(target *Label, n uint32) *ProgramBuilder {
	b.Emit(OpCall)
	b.emitLabel(target)
	return b.EmitU32(n)
}

// EmitCallC appends CALLC n.
func (b *ProgramBuilder) EmitCallC(n uint32) *ProgramBuilder {
	return b.Emit(OpCallC).EmitU32(n)
}

// EmitJump appends JMP/CJMPz/CJMPnz with a label target.
func (b *ProgramBuilder) EmitJump(op Opcode, target *Label) *ProgramBuilder {
	b.Emit(op)
	b.emitLabel(target)
	return b
}

// EmitFail appends FAIL line col.
func (b *ProgramBuilder) EmitFail(line, col uint32) *ProgramBuilder {
	return b.Emit(OpFail).EmitU32(line).EmitU32(col)
}

// EmitLine appends LINE line.
func (b *ProgramBuilder) EmitLine(line uint32) *ProgramBuilder {
	return b.Emit(OpLine).EmitU32(line)
}

// Build finalizes the module: appends the EOF sentinel and hands over
// the assembled buffers. Unresolved labels keep their zero placeholder.
func (b *ProgramBuilder) Build(name string) *Module {
	b.bytes = append(b.bytes, byte(OpEof))
	return &Module{
		Name:        name,
		GlobalCount: b.globals,
		Symtab:      b.symtab,
		Strtab:      b.strtab,
		Bytecode:    b.bytes,
	}
}

// ---------------------------------------------------------------------------
// Label management
// ---------------------------------------------------------------------------

// Label is an absolute bytecode address, possibly not yet known.
type Label struct {
	resolved bool
	addr     uint32
	refs     []int
}

// NewLabel creates an unresolved label.
func (b *ProgramBuilder) NewLabel() *Label {
	return &Label{}
}

// Here creates a label already resolved to the current address.
func (b *ProgramBuilder) Here() *Label {
	return &Label{resolved: true, addr: b.Len()}
}

// Mark resolves a label to the current address, patching all forward
// references.
func (b *ProgramBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.addr = b.Len()
	for _, ref := range label.refs {
		binary.LittleEndian.PutUint32(b.bytes[ref:], label.addr)
	}
	label.refs = nil
}

func (b *ProgramBuilder) emitLabel(label *Label) {
	if label.resolved {
		b.EmitU32(label.addr)
		return
	}
	label.refs = append(label.refs, len(b.bytes))
	b.EmitU32(0)
}
