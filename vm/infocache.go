package vm

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"
)

var cacheLog = commonlog.GetLogger("golama.infocache")

// ---------------------------------------------------------------------------
// ModuleInfo cache
// ---------------------------------------------------------------------------

// cborEncMode uses canonical options so equal caches are byte-equal.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// infoCacheFile is the on-disk form of a verification result, keyed by
// the module fingerprint so stale caches are detected.
type infoCacheFile struct {
	Fingerprint [32]byte             `cbor:"1,keyasint"`
	Procs       map[uint32]*ProcInfo `cbor:"2,keyasint"`
}

// WriteInfoCache serializes a verification result for the module.
func WriteInfoCache(path string, m *Module, info *ModuleInfo) error {
	data, err := cborEncMode.Marshal(&infoCacheFile{
		Fingerprint: m.Fingerprint(),
		Procs:       info.Procs,
	})
	if err != nil {
		return fmt.Errorf("encoding module info: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing module info cache: %w", err)
	}
	cacheLog.Infof("wrote module info cache %s (%d procedures)", path, len(info.Procs))
	return nil
}

// ReadInfoCache loads a previously written verification result for the
// module. A cache whose fingerprint does not match the module fails
// with ErrInfoCacheStale; the caller falls back to full verification.
func ReadInfoCache(path string, m *Module) (*ModuleInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading module info cache: %w", err)
	}
	var file infoCacheFile
	if err := cbor.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decoding module info cache %s: %w", path, err)
	}
	if file.Fingerprint != m.Fingerprint() {
		return nil, fmt.Errorf("%w: %s", ErrInfoCacheStale, path)
	}
	cacheLog.Infof("module info cache hit: %s", path)
	return &ModuleInfo{Procs: file.Procs}, nil
}
