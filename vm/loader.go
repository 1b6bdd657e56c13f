package vm

import (
	"bytes"
	"fmt"
	"io"

	"fortio.org/safecast"
	"github.com/tliron/commonlog"
)

var loaderLog = commonlog.GetLogger("golama.loader")

// ---------------------------------------------------------------------------
// Loader: reads the on-disk bytecode file layout
// ---------------------------------------------------------------------------

// The file layout, little-endian throughout:
//
//	u32 strtab_size
//	u32 global_count
//	u32 symtab_count
//	symtab_count x (u32 address, u32 name_offset)
//	strtab_size bytes of string table
//	bytecode bytes, 0xff as the final byte
//
// Negative values in any count or offset field are rejected.

// Loader reads a bytecode module from an input stream. Load must be
// called no more than once.
type Loader struct {
	mod Module
	r   io.Reader
	pos int64
}

// NewLoader creates a loader for the named module over the stream.
func NewLoader(name string, r io.Reader) *Loader {
	return &Loader{mod: Module{Name: name}, r: r}
}

// Load reads and assembles the module.
func (l *Loader) Load() (*Module, error) {
	if err := l.loadHeader(); err != nil {
		return nil, err
	}
	if err := l.loadBytecode(); err != nil {
		return nil, err
	}
	loaderLog.Infof("loaded module %q: %d globals, %d symbols, %d bytecode bytes",
		l.mod.Name, l.mod.GlobalCount, len(l.mod.Symtab), len(l.mod.Bytecode))
	return &l.mod, nil
}

func (l *Loader) errorf(err error, format string, args ...any) error {
	return &LoadError{Offset: l.pos, Err: fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...))}
}

func (l *Loader) loadBytes(field string, dst []byte) error {
	n, err := io.ReadFull(l.r, dst)
	l.pos += int64(n)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return l.errorf(ErrUnexpectedEof,
			"while parsing %s: need %d more bytes", field, len(dst)-n)
	}
	if err != nil {
		return &LoadError{Offset: l.pos, Err: fmt.Errorf("while parsing %s: %w", field, err)}
	}
	return nil
}

func (l *Loader) loadU32(field string) (uint32, error) {
	pos := l.pos
	var buf [4]byte
	if err := l.loadBytes(field, buf[:]); err != nil {
		return 0, err
	}
	v := int32(uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24)
	if v < 0 {
		return 0, &LoadError{
			Offset: pos,
			Err:    fmt.Errorf("%w: %s must not be negative (got %d)", ErrBadHeader, field, v),
		}
	}
	return uint32(v), nil
}

func (l *Loader) loadHeader() error {
	strtabSize, err := l.loadU32("the string table size")
	if err != nil {
		return err
	}

	if l.mod.GlobalCount, err = l.loadU32("the global count"); err != nil {
		return err
	}

	symtabCount, err := l.loadU32("the symbol table entry count")
	if err != nil {
		return err
	}

	count, err := safecast.Conv[int](symtabCount)
	if err != nil {
		return l.errorf(ErrBadHeader, "the symbol table entry count %d does not fit", symtabCount)
	}
	l.mod.Symtab = make([]Sym, 0, count)
	for i := 0; i < count; i++ {
		sym := Sym{Offset: l.pos}
		if sym.Address, err = l.loadU32("a symbol table entry's address"); err != nil {
			return err
		}
		if sym.NameOffset, err = l.loadU32("a symbol table entry's name"); err != nil {
			return err
		}
		l.mod.Symtab = append(l.mod.Symtab, sym)
	}

	size, err := safecast.Conv[int](strtabSize)
	if err != nil {
		return l.errorf(ErrBadHeader, "the string table size %d does not fit", strtabSize)
	}
	l.mod.Strtab = make([]byte, size)
	return l.loadBytes("the string table", l.mod.Strtab)
}

func (l *Loader) loadBytecode() error {
	start := l.pos
	bc, err := io.ReadAll(l.r)
	l.pos += int64(len(bc))
	if err != nil {
		return &LoadError{Offset: l.pos, Err: fmt.Errorf("while parsing bytecode: %w", err)}
	}
	l.mod.Bytecode = bc

	idx := bytes.IndexByte(bc, byte(OpEof))
	if idx < 0 {
		return &LoadError{
			Offset: l.pos,
			Err:    fmt.Errorf("%w: no end-of-file marker found in the bytecode section", ErrBadHeader),
		}
	}
	if idx != len(bc)-1 {
		return &LoadError{
			Offset: start + int64(idx),
			Err: fmt.Errorf(
				"%w: the end-of-file marker in the bytecode section must be the final byte in the file",
				ErrBadHeader),
		}
	}
	return nil
}
