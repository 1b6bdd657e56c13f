package vm

import (
	"bytes"
	"sort"

	"github.com/tliron/commonlog"
)

var idiomLog = commonlog.GetLogger("golama.idiom")

// ---------------------------------------------------------------------------
// Idiom analysis
// ---------------------------------------------------------------------------

// Idiom is a one- or two-instruction byte sequence with its occurrence
// count over the reachable code. Instruction identity is the literal
// byte span, immediates included.
type Idiom struct {
	Bytes       []byte
	Occurrences uint32
}

// Render disassembles the idiom's instructions on one line.
func (i Idiom) Render() string {
	return DisassembleRange(i.Bytes, 0, uint32(len(i.Bytes)))
}

// isJump reports opcodes whose immediate is a branch target.
func isJump(op Opcode) bool {
	return op == OpJmp || op == OpCjmpZ || op == OpCjmpNz
}

// isTerminal reports opcodes with no fall-through successor.
func isTerminal(op Opcode) bool {
	return op == OpJmp || op == OpEnd || op == OpRet || op == OpFail
}

// shouldSplitAfter reports opcodes across whose end no idiomatic
// two-instruction pairing is counted.
func shouldSplitAfter(op Opcode) bool {
	switch op {
	case OpJmp, OpCall, OpCallC, OpRet, OpEnd, OpFail:
		return true
	}
	return false
}

// walkReachable visits every instruction reachable from a procedure
// start: fall-through except after terminal opcodes, plus branch
// targets. The module must have passed verification.
func walkReachable(m *Module, info *ModuleInfo, visit func(start InstrStart, end InstrEnd)) {
	d := NewDecoder(m.Bytecode)
	processed := make([]bool, len(m.Bytecode))

	pending := make([]uint32, 0, len(info.Procs))
	for addr := range info.Procs {
		pending = append(pending, addr)
	}

	for len(pending) > 0 {
		addr := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		if processed[addr] {
			continue
		}
		processed[addr] = true

		var start InstrStart
		var end InstrEnd
		d.Seek(addr)
		d.Next(func(ev DecodeEvent) {
			switch ev := ev.(type) {
			case InstrStart:
				start = ev
			case InstrEnd:
				end = ev
			case Imm32:
				if isJump(start.Op) {
					pending = append(pending, ev.Imm)
				}
			}
		})

		visit(start, end)

		if !isTerminal(start.Op) {
			pending = append(pending, end.Addr)
		}
	}
}

// findSplitPoints collects the addresses across which two-instruction
// sequences are not counted: jump targets, and the ends of call-like
// and terminal instructions.
func findSplitPoints(m *Module, info *ModuleInfo) map[uint32]bool {
	splitAt := make(map[uint32]bool)

	walkReachable(m, info, func(start InstrStart, end InstrEnd) {
		if isJump(start.Op) {
			d := NewDecoder(m.Bytecode)
			d.Seek(start.Addr)
			d.Next(func(ev DecodeEvent) {
				if imm, ok := ev.(Imm32); ok {
					splitAt[imm.Imm] = true
				}
			})
		}
		if shouldSplitAfter(start.Op) {
			splitAt[end.Addr] = true
		}
	})

	return splitAt
}

// FindIdioms counts one- and two-instruction sequences over the
// reachable code and ranks them by descending occurrence count, ties
// broken by lexicographic comparison of the raw byte spans. Running it
// twice over the same module yields identical counts and ordering.
func FindIdioms(m *Module, info *ModuleInfo) []Idiom {
	occurrences := make(map[string]uint32)

	splitPoints := findSplitPoints(m, info)
	d := NewDecoder(m.Bytecode)

	walkReachable(m, info, func(start InstrStart, end InstrEnd) {
		occurrences[string(m.Bytecode[end.Start:end.Addr])]++

		if !splitPoints[end.Addr] {
			var nextEnd InstrEnd
			d.Seek(end.Addr)
			d.Next(func(ev DecodeEvent) {
				if e, ok := ev.(InstrEnd); ok {
					nextEnd = e
				}
			})
			occurrences[string(m.Bytecode[start.Addr:nextEnd.Addr])]++
		}
	})

	idioms := make([]Idiom, 0, len(occurrences))
	for span, n := range occurrences {
		idioms = append(idioms, Idiom{Bytes: []byte(span), Occurrences: n})
	}

	sort.Slice(idioms, func(i, j int) bool {
		if idioms[i].Occurrences != idioms[j].Occurrences {
			return idioms[i].Occurrences > idioms[j].Occurrences
		}
		return bytes.Compare(idioms[i].Bytes, idioms[j].Bytes) < 0
	})

	idiomLog.Infof("module %q: %d distinct idiom spans over reachable code", m.Name, len(idioms))
	return idioms
}
