package vm

import (
	"errors"
	"testing"
)

// collect drains one instruction's event stream.
func collect(d *Decoder) []DecodeEvent {
	var events []DecodeEvent
	d.Next(func(ev DecodeEvent) {
		events = append(events, ev)
	})
	return events
}

func TestDecodeConst(t *testing.T) {
	b := NewProgramBuilder()
	b.EmitConst(42)
	d := NewDecoder(b.Build("const").Bytecode)

	events := collect(d)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	start, ok := events[0].(InstrStart)
	if !ok || start.Op != OpConst || start.Addr != 0 {
		t.Errorf("events[0] = %+v, want InstrStart{0, CONST}", events[0])
	}
	imm, ok := events[1].(Imm32)
	if !ok || imm.Imm != 42 || imm.Addr != 1 {
		t.Errorf("events[1] = %+v, want Imm32{1, 42}", events[1])
	}
	end, ok := events[2].(InstrEnd)
	if !ok || end.Start != 0 || end.Addr != 5 {
		t.Errorf("events[2] = %+v, want InstrEnd{5, 0}", events[2])
	}
	if end.Len() != 5 {
		t.Errorf("Len() = %d, want 5", end.Len())
	}
}

func TestDecodeVarspecFromOpcodeByte(t *testing.T) {
	// The LD opcode byte doubles as the varspec kind byte.
	b := NewProgramBuilder()
	b.EmitVar(OpLdG, VarParam, 7)
	d := NewDecoder(b.Build("ld").Bytecode)

	events := collect(d)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	vs, ok := events[1].(ImmVarspec)
	if !ok || vs.Kind != VarParam || vs.Idx != 7 {
		t.Errorf("events[1] = %+v, want ImmVarspec{A, 7}", events[1])
	}
	if end := events[2].(InstrEnd); end.Len() != 5 {
		t.Errorf("instruction length = %d, want 5", end.Len())
	}
}

func TestDecodeClosure(t *testing.T) {
	b := NewProgramBuilder()
	target := b.Here()
	b.EmitClosure(target,
		Varspec{Kind: VarLocal, Idx: 1},
		Varspec{Kind: VarCapture, Idx: 2})
	d := NewDecoder(b.Build("closure").Bytecode)

	events := collect(d)
	// InstrStart, target, count, two varspecs, InstrEnd.
	if len(events) != 6 {
		t.Fatalf("got %d events, want 6", len(events))
	}
	if n := events[2].(Imm32); n.Imm != 2 {
		t.Errorf("capture count = %d, want 2", n.Imm)
	}
	if vs := events[3].(ImmVarspec); vs.Kind != VarLocal || vs.Idx != 1 {
		t.Errorf("varspec 0 = %+v, want L(1)", vs)
	}
	if vs := events[4].(ImmVarspec); vs.Kind != VarCapture || vs.Idx != 2 {
		t.Errorf("varspec 1 = %+v, want C(2)", vs)
	}
}

func TestDecodeTruncatedImmediate(t *testing.T) {
	d := NewDecoder([]byte{byte(OpConst), 1, 2})
	events := collect(d)

	var decodeErr *DecodeError
	for _, ev := range events {
		if e, ok := ev.(DecodeError); ok {
			decodeErr = &e
		}
	}
	if decodeErr == nil {
		t.Fatal("no DecodeError event for a truncated immediate")
	}
	if !errors.Is(decodeErr.Err, ErrUnexpectedEof) {
		t.Errorf("error = %v, want ErrUnexpectedEof", decodeErr.Err)
	}
}

func TestDecodeIllegalOpcode(t *testing.T) {
	d := NewDecoder([]byte{0xee})
	events := collect(d)

	found := false
	for _, ev := range events {
		if e, ok := ev.(DecodeError); ok && errors.Is(e.Err, ErrIllegalOp) {
			found = true
		}
	}
	if !found {
		t.Error("no IllegalOp DecodeError for opcode 0xee")
	}
}

func TestDecodeIllegalVarKind(t *testing.T) {
	// A CLOSURE varspec with kind byte 9.
	bc := []byte{
		byte(OpClosure),
		0, 0, 0, 0, // target
		1, 0, 0, 0, // one capture
		9, 0, 0, 0, 0, // bad varspec
		byte(OpEof),
	}
	d := NewDecoder(bc)
	events := collect(d)

	found := false
	for _, ev := range events {
		if e, ok := ev.(DecodeError); ok && errors.Is(e.Err, ErrIllegalVarKind) {
			found = true
		}
	}
	if !found {
		t.Error("no IllegalVarKind DecodeError for kind byte 9")
	}
}

func TestDecodePastEnd(t *testing.T) {
	d := NewDecoder([]byte{byte(OpEof)})
	collect(d)

	events := collect(d)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if e, ok := events[0].(DecodeError); !ok || !errors.Is(e.Err, ErrUnexpectedEof) {
		t.Errorf("events[0] = %+v, want an Eof DecodeError", events[0])
	}
}

func TestDecodeSeekRestarts(t *testing.T) {
	b := NewProgramBuilder()
	b.EmitConst(1)
	b.EmitConst(2)
	d := NewDecoder(b.Build("seek").Bytecode)

	collect(d)
	second := collect(d)
	d.Seek(0)
	first := collect(d)

	if imm := first[1].(Imm32); imm.Imm != 1 {
		t.Errorf("after Seek(0), immediate = %d, want 1", imm.Imm)
	}
	if imm := second[1].(Imm32); imm.Imm != 2 {
		t.Errorf("second instruction immediate = %d, want 2", imm.Imm)
	}
}
