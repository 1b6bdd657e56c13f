package vm

import (
	"fmt"
	"io"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisasmOptions controls the textual rendering.
type DisasmOptions struct {
	// PrintAddr prefixes each instruction with its hex address.
	PrintAddr bool

	// InstrSep separates instructions; "\n" when empty.
	InstrSep string
}

// mnemonic returns the disassembler name of an opcode.
func mnemonic(op Opcode) string {
	switch {
	case op.IsBinop():
		return "binop " + binopSigils[op]
	case isVarOp(op):
		switch op & 0xf0 {
		case 0x20:
			return "ld"
		case 0x30:
			return "lda"
		default:
			return "st"
		}
	}

	switch op {
	case OpConst:
		return "const"
	case OpString:
		return "string"
	case OpSexp:
		return "sexp"
	case OpSti:
		return "sti"
	case OpSta:
		return "sta"
	case OpJmp:
		return "jmp"
	case OpEnd:
		return "end"
	case OpRet:
		return "ret"
	case OpDrop:
		return "drop"
	case OpDup:
		return "dup"
	case OpSwap:
		return "swap"
	case OpElem:
		return "elem"
	case OpCjmpZ:
		return "cjmpz"
	case OpCjmpNz:
		return "cjmpnz"
	case OpBegin:
		return "begin"
	case OpCbegin:
		return "cbegin"
	case OpClosure:
		return "closure"
	case OpCallC:
		return "callc"
	case OpCall:
		return "call"
	case OpTag:
		return "tag"
	case OpArray:
		return "array"
	case OpFail:
		return "fail"
	case OpLine:
		return "line"
	case OpPattEqStr:
		return "patt =str"
	case OpPattString:
		return "patt #str"
	case OpPattArray:
		return "patt #array"
	case OpPattSexp:
		return "patt #sexp"
	case OpPattRef:
		return "patt #ref"
	case OpPattVal:
		return "patt #val"
	case OpPattFun:
		return "patt #fun"
	case OpCallLread:
		return "call Lread"
	case OpCallLwrite:
		return "call Lwrite"
	case OpCallLlength:
		return "call Llength"
	case OpCallLstring:
		return "call Lstring"
	case OpCallBarray:
		return "call Barray"
	case OpEof:
		return "<eof>"
	}
	return fmt.Sprintf("[illop %#02x]", byte(op))
}

// Disassemble renders a full bytecode section. The output is a pure
// function of the bytes.
func Disassemble(bc []byte, w io.Writer, opts DisasmOptions) {
	sep := opts.InstrSep
	if sep == "" {
		sep = "\n"
	}

	d := NewDecoder(bc)
	width := decimalWidth(len(bc))
	first := true

	for int(d.Pos()) < len(bc) {
		d.Next(func(ev DecodeEvent) {
			switch ev := ev.(type) {
			case InstrStart:
				if !first {
					io.WriteString(w, sep)
				}
				first = false
				if opts.PrintAddr {
					fmt.Fprintf(w, "%*x:  ", width, ev.Addr)
				}
				io.WriteString(w, mnemonic(ev.Op))

			case Imm32:
				fmt.Fprintf(w, " %d", ev.Imm)

			case ImmVarspec:
				fmt.Fprintf(w, " %s(%d)", ev.Kind, ev.Idx)

			case DecodeError:
				fmt.Fprintf(w, " [error: %s]", ev.Msg)

			case InstrEnd:
			}
		})
	}
	if !first {
		io.WriteString(w, "\n")
	}
}

// DisassembleRange renders the instructions in [start, end) on a single
// line with "; " separators, used for idiom reports.
func DisassembleRange(bc []byte, start, end uint32) string {
	var sb strings.Builder
	d := NewDecoder(bc)
	d.Seek(start)
	first := true

	for d.Pos() < end {
		d.Next(func(ev DecodeEvent) {
			switch ev := ev.(type) {
			case InstrStart:
				if !first {
					sb.WriteString("; ")
				}
				first = false
				sb.WriteString(mnemonic(ev.Op))
			case Imm32:
				fmt.Fprintf(&sb, " %d", ev.Imm)
			case ImmVarspec:
				fmt.Fprintf(&sb, " %s(%d)", ev.Kind, ev.Idx)
			case DecodeError:
				fmt.Fprintf(&sb, " [error: %s]", ev.Msg)
			case InstrEnd:
			}
		})
	}
	return sb.String()
}

// decimalWidth returns the number of decimal digits needed for v.
func decimalWidth(v int) int {
	width := 1
	for v >= 10 {
		v /= 10
		width++
	}
	return width
}
