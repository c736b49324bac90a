// Package cache implements the Memory-Mapped Embedding Cache (C2): a
// fixed-slot, content-hash-keyed cache file shared read/write across the
// parent process and every worker process via mmap.
//
// The slot layout is the API — this package deliberately does not offer a
// general-purpose map abstraction on top of the mapped bytes. Per-slot
// synchronization is a single compare-and-set lock bit; contested slots
// spin briefly, then back off. Never block while a slot lock is held.
package cache

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	magic      = "EMBC"
	headerSize = 64

	offMagic     = 0
	offVersion   = 4
	offDim       = 8
	offNSlots    = 12
	offGlobalCtr = 16

	currentVersion uint32 = 1

	// slot layout
	slotFlagsSize = 8 // flags:u8 + pad:7B, holds the atomic lock word
	slotHashSize  = 32
	slotLRUSize   = 8

	flagUsed uint32 = 1 << 0
	flagLock uint32 = 1 << 1

	lockSpinAttempts = 64
)

// ErrCacheUnavailable matches compute.ErrCacheUnavailable without importing
// the parent package; compute wraps/translates it at the API boundary.
var ErrCacheUnavailable = errors.New("cache: unavailable")

func slotSize(dim int) int {
	sz := slotFlagsSize + slotHashSize + dim*4 + slotLRUSize
	if rem := sz % 8; rem != 0 {
		sz += 8 - rem
	}
	return sz
}

// Stats is a snapshot of cache activity counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Writes    uint64
	Evictions uint64
	SlotsUsed uint64
	Capacity  uint64
}

// Cache is a memory-mapped, fixed-slot embedding cache.
type Cache struct {
	file *os.File
	data []byte

	dim      int
	nSlots   uint64
	slotSz   int

	hits, misses, writes, evictions atomic.Uint64
}

// Open opens or creates the backing file at path sized for capacity slots
// of dim floats each, and maps it read/write. On header mismatch (an
// existing file created with a different version or dim) it returns
// ErrCacheUnavailable, per spec: the caller must destroy and recreate the
// file, and the rest of the system keeps working as if every Get is a miss
// and every Put a no-op.
func Open(path string, capacity int, dim int) (*Cache, error) {
	if capacity <= 0 || dim <= 0 {
		return nil, fmt.Errorf("%w: invalid capacity/dim", ErrCacheUnavailable)
	}

	sz := slotSize(dim)
	wantSize := int64(headerSize) + int64(sz)*int64(capacity)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrCacheUnavailable, path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat: %v", ErrCacheUnavailable, err)
	}

	fresh := info.Size() == 0
	if fresh {
		if err := f.Truncate(wantSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: truncate: %v", ErrCacheUnavailable, err)
		}
	} else if info.Size() != wantSize {
		f.Close()
		return nil, fmt.Errorf("%w: file size %d does not match expected %d (header/dim/capacity mismatch)", ErrCacheUnavailable, info.Size(), wantSize)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(wantSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap: %v", ErrCacheUnavailable, err)
	}

	c := &Cache{
		file:   f,
		data:   data,
		dim:    dim,
		nSlots: uint64(capacity),
		slotSz: sz,
	}

	if fresh {
		c.writeHeader(capacity, dim)
	} else if err := c.verifyHeader(capacity, dim); err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}

	return c, nil
}

// Attach opens an existing cache file without knowing its capacity up
// front: it reads n_slots from the header before mapping. Worker processes
// use Attach (they never create the cache file; the parent does via
// Open), so they don't need capacity threaded through their own startup
// configuration.
func Attach(path string, dim int) (*Cache, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: invalid dim", ErrCacheUnavailable)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrCacheUnavailable, path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat: %v", ErrCacheUnavailable, err)
	}
	if info.Size() < headerSize {
		f.Close()
		return nil, fmt.Errorf("%w: file too small for a header", ErrCacheUnavailable)
	}

	head, err := unix.Mmap(int(f.Fd()), 0, headerSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap header: %v", ErrCacheUnavailable, err)
	}
	capacity := int(binary.LittleEndian.Uint32(head[offNSlots : offNSlots+4]))
	unix.Munmap(head)

	if capacity <= 0 {
		f.Close()
		return nil, fmt.Errorf("%w: header reports zero capacity", ErrCacheUnavailable)
	}
	f.Close()

	return Open(path, capacity, dim)
}

// AttachOrUnavailable mirrors OpenOrUnavailable but for Attach.
func AttachOrUnavailable(path string, dim int) *Cache {
	c, err := Attach(path, dim)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("cache: attach unavailable, proceeding without it")
		return nil
	}
	return c
}

func (c *Cache) writeHeader(capacity, dim int) {
	copy(c.data[offMagic:offMagic+4], []byte(magic))
	binary.LittleEndian.PutUint32(c.data[offVersion:offVersion+4], currentVersion)
	binary.LittleEndian.PutUint32(c.data[offDim:offDim+4], uint32(dim))
	binary.LittleEndian.PutUint32(c.data[offNSlots:offNSlots+4], uint32(capacity))
	binary.LittleEndian.PutUint64(c.data[offGlobalCtr:offGlobalCtr+8], 0)
}

func (c *Cache) verifyHeader(capacity, dim int) error {
	if string(c.data[offMagic:offMagic+4]) != magic {
		return fmt.Errorf("%w: bad magic", ErrCacheUnavailable)
	}
	if v := binary.LittleEndian.Uint32(c.data[offVersion : offVersion+4]); v != currentVersion {
		return fmt.Errorf("%w: version mismatch: file=%d want=%d", ErrCacheUnavailable, v, currentVersion)
	}
	if d := binary.LittleEndian.Uint32(c.data[offDim : offDim+4]); d != uint32(dim) {
		return fmt.Errorf("%w: dim mismatch: file=%d want=%d", ErrCacheUnavailable, d, dim)
	}
	if n := binary.LittleEndian.Uint32(c.data[offNSlots : offNSlots+4]); n != uint32(capacity) {
		return fmt.Errorf("%w: n_slots mismatch: file=%d want=%d", ErrCacheUnavailable, n, capacity)
	}
	return nil
}

// Close unmaps and closes the backing file.
func (c *Cache) Close() error {
	if err := unix.Munmap(c.data); err != nil {
		return err
	}
	return c.file.Close()
}

func (c *Cache) slotOffset(idx uint64) int {
	return headerSize + int(idx)*c.slotSz
}

func (c *Cache) lockWord(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&c.data[off]))
}

// acquire spins briefly, then yields, to take the lock bit for the slot at
// off. It never blocks indefinitely: a held lock is released quickly by
// every path in this package.
func (c *Cache) acquire(off int) {
	word := c.lockWord(off)
	for attempt := 0; ; attempt++ {
		cur := atomic.LoadUint32(word)
		if cur&flagLock == 0 {
			if atomic.CompareAndSwapUint32(word, cur, cur|flagLock) {
				return
			}
		}
		if attempt < lockSpinAttempts {
			continue
		}
		runtime.Gosched()
	}
}

func (c *Cache) release(off int) {
	word := c.lockWord(off)
	for {
		cur := atomic.LoadUint32(word)
		if atomic.CompareAndSwapUint32(word, cur, cur&^flagLock) {
			return
		}
	}
}

func (c *Cache) nextGlobal() uint64 {
	return atomic.AddUint64((*uint64)(unsafe.Pointer(&c.data[offGlobalCtr])), 1)
}

func (c *Cache) globalCounter() uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&c.data[offGlobalCtr])))
}

// rawHash converts the caller's content hash (a 64-char hex string, per the
// chunk data model) into the 32 raw bytes stored in a slot's hash field. A
// key that doesn't decode as hex falls back to a truncated/zero-padded
// byte view of the string, so tests can use arbitrary short keys.
func rawHash(hash string) [slotHashSize]byte {
	var out [slotHashSize]byte
	if len(hash) == slotHashSize*2 {
		if b, err := hex.DecodeString(hash); err == nil {
			copy(out[:], b)
			return out
		}
	}
	copy(out[:], hash)
	return out
}

// slotIndex hashes a raw hash to a slot index via FNV-1a. The specification
// requires only determinism and reasonable distribution; FNV is the pack's
// usual choice for this role.
func slotIndex(raw [slotHashSize]byte, n uint64) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(raw[:])
	return h.Sum64() % n
}

// Get looks up hash (a 64-char hex content hash) in the cache. Returns
// (vector, true) on a hit.
func (c *Cache) Get(hash string) ([]float32, bool) {
	key := rawHash(hash)
	idx := slotIndex(key, c.nSlots)
	off := c.slotOffset(idx)

	c.acquire(off)

	flags := atomic.LoadUint32(c.lockWord(off))
	if flags&flagUsed == 0 {
		c.release(off)
		c.misses.Add(1)
		return nil, false
	}

	hashOff := off + slotFlagsSize
	if !bytesEqual(c.data[hashOff:hashOff+slotHashSize], key[:]) {
		c.release(off)
		c.misses.Add(1)
		return nil, false
	}

	vecOff := hashOff + slotHashSize
	vec := make([]float32, c.dim)
	for i := 0; i < c.dim; i++ {
		bits := binary.LittleEndian.Uint32(c.data[vecOff+i*4 : vecOff+i*4+4])
		vec[i] = float32FromBits(bits)
	}

	// readers re-verify the hash after copying vector bytes, so a writer
	// that replaced the slot mid-read is detected rather than silently
	// returning a torn mix of old/new bytes.
	if !bytesEqual(c.data[hashOff:hashOff+slotHashSize], key[:]) {
		c.release(off)
		c.misses.Add(1)
		return nil, false
	}

	lruOff := vecOff + c.dim*4
	next := c.nextGlobal()
	binary.LittleEndian.PutUint64(c.data[lruOff:lruOff+8], next)

	c.release(off)
	c.hits.Add(1)
	return vec, true
}

// Put stores vector under hash. Returns true if the value was written,
// false if an eviction decision chose to skip storing (the existing
// occupant looked recently used enough to keep).
func (c *Cache) Put(hash string, vector []float32) bool {
	if len(vector) != c.dim {
		return false
	}

	key := rawHash(hash)
	idx := slotIndex(key, c.nSlots)
	off := c.slotOffset(idx)

	c.acquire(off)
	defer c.release(off)

	flags := atomic.LoadUint32(c.lockWord(off))
	hashOff := off + slotFlagsSize
	vecOff := hashOff + slotHashSize
	lruOff := vecOff + c.dim*4

	sameKey := bytesEqual(c.data[hashOff:hashOff+slotHashSize], key[:])

	if flags&flagUsed != 0 && !sameKey {
		// occupied by a different key: decide eviction by comparing the
		// occupant's lru_counter against a rolling generation threshold
		existingLRU := binary.LittleEndian.Uint64(c.data[lruOff : lruOff+8])
		if c.globalCounter()-existingLRU <= c.nSlots {
			// occupant looks recently used: skip storing
			return false
		}
		c.evictions.Add(1)
	}

	copy(c.data[hashOff:hashOff+slotHashSize], key[:])
	for i, f := range vector {
		binary.LittleEndian.PutUint32(c.data[vecOff+i*4:vecOff+i*4+4], float32Bits(f))
	}
	binary.LittleEndian.PutUint64(c.data[lruOff:lruOff+8], c.nextGlobal())

	atomic.StoreUint32(c.lockWord(off), flags|flagUsed)

	c.writes.Add(1)
	return true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Stats returns current counters plus occupancy, computed by scanning slot
// flags. Occupancy scanning is O(capacity); callers should not call Stats
// on a hot path.
func (c *Cache) Stats() Stats {
	var used uint64
	for i := uint64(0); i < c.nSlots; i++ {
		off := c.slotOffset(i)
		if atomic.LoadUint32(c.lockWord(off))&flagUsed != 0 {
			used++
		}
	}
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Writes:    c.writes.Load(),
		Evictions: c.evictions.Load(),
		SlotsUsed: used,
		Capacity:  c.nSlots,
	}
}

// Sync flushes mapped pages to disk.
func (c *Cache) Sync() error {
	return unix.Msync(c.data, unix.MS_SYNC)
}

func float32Bits(f float32) uint32 {
	return *(*uint32)(unsafe.Pointer(&f))
}

func float32FromBits(b uint32) float32 {
	return *(*float32)(unsafe.Pointer(&b))
}

// OpenOrUnavailable is a convenience wrapper used by callers (per spec
// §4.2's failure semantics) that want a nil *Cache on failure (the error is
// logged) rather than threading errors.Is(ErrCacheUnavailable) everywhere.
func OpenOrUnavailable(path string, capacity, dim int) *Cache {
	c, err := Open(path, capacity, dim)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("cache: unavailable, proceeding without it")
		return nil
	}
	return c
}
