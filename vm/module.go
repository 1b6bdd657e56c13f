package vm

import (
	"crypto/sha256"
	"encoding/binary"
)

// ---------------------------------------------------------------------------
// Module: a loaded bytecode file
// ---------------------------------------------------------------------------

// Sym is a public symbol declaration.
type Sym struct {
	// Offset is the byte offset in the file where the entry was read,
	// kept for diagnostics.
	Offset int64

	// Address is the bytecode address the symbol points at.
	Address uint32

	// NameOffset locates the symbol's name in the string table.
	NameOffset uint32
}

// Module is a loaded bytecode module. It is immutable after loading;
// the verifier only populates the symbol-table map.
type Module struct {
	// Name identifies the module in diagnostics.
	Name string

	// GlobalCount is the number of module-level variable slots.
	GlobalCount uint32

	// Symtab lists the public symbols.
	Symtab []Sym

	// Strtab is the concatenation of NUL-terminated strings.
	Strtab []byte

	// Bytecode is the instruction stream, including the trailing EOF
	// sentinel.
	Bytecode []byte

	symtabMap map[string]uint32
}

// StringAt returns the NUL-terminated string starting at the given
// string-table offset. ok is false when the offset is out of range or
// the entry runs off the end of the table.
func (m *Module) StringAt(offset uint32) (s string, ok bool) {
	if int(offset) >= len(m.Strtab) {
		return "", false
	}
	for end := int(offset); end < len(m.Strtab); end++ {
		if m.Strtab[end] == 0 {
			return string(m.Strtab[offset:end]), true
		}
	}
	return "", false
}

// SymtabMap returns the name-to-address map. It is populated during
// verification; nil before that.
func (m *Module) SymtabMap() map[string]uint32 {
	return m.symtabMap
}

// ProcName returns the symbol name for a procedure address, if any.
func (m *Module) ProcName(addr uint32) string {
	for _, sym := range m.Symtab {
		if sym.Address == addr {
			if name, ok := m.StringAt(sym.NameOffset); ok {
				return name
			}
		}
	}
	return ""
}

// Fingerprint hashes the module's contents: the global count, the
// symbol table, the string table (with its size) and the bytecode. Used
// to key the info cache and the idiom stats store.
func (m *Module) Fingerprint() [32]byte {
	h := sha256.New()
	var buf [4]byte
	put := func(v uint32) {
		binary.LittleEndian.PutUint32(buf[:], v)
		h.Write(buf[:])
	}
	put(m.GlobalCount)
	put(uint32(len(m.Symtab)))
	for _, sym := range m.Symtab {
		put(sym.Address)
		put(sym.NameOffset)
	}
	put(uint32(len(m.Strtab)))
	h.Write(m.Strtab)
	h.Write(m.Bytecode)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
