// Package shm implements the fixed-size shared-memory arena (spec §4.5):
// ShmPool owns a region backed by a POSIX shared-memory object and hands
// out blocks from it with a first-fit free-list allocator; ShmCache is the
// peer side, mapping foreign arenas by name for reading descriptors placed
// by another process. Go has no shm_open wrapper, so the region is backed
// by a file under /dev/shm (tmpfs on Linux), opened and mmap'd with
// golang.org/x/sys/unix exactly as shm_open+mmap would produce -- the same
// approach other_examples' raw-syscall-heavy repos (momentics-hioload-ws,
// ehrlich-b-go-ublk) take to low-level OS resources the stdlib doesn't
// expose directly.
//
// Go's sync.Mutex is process-local and cannot arbitrate two processes
// mapping the same region, so the in-arena header lock is a spinlock built
// directly on the mapped bytes with sync/atomic compare-and-swap, the
// shared-memory analogue of a PTHREAD_PROCESS_SHARED mutex. The spinlock
// has no deadline and no owner tracking: a crashed holder leaves it held,
// and every later Malloc or Free on that arena spins until it is released.
package shm

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MinPoolSize is the minimum ShmPool size in bytes (spec §4.5).
const MinPoolSize = 8192

const (
	headerLockOffset = 0          // u32 spinlock
	headerSizeOffset = 4          // u32 total arena size
	headerHeadOffset = 8          // u32 offset of first free block, or freeListNil
	headerSize       = 16         // reserved header bytes, rest is payload
	freeListNil      = 0xFFFFFFFF
	blockHeaderSize  = 8 // {size u32, next u32} prefixed to every free block
)

var ErrOutOfMemory = errors.New("shm: arena exhausted")
var ErrIllegalArgument = errors.New("shm: illegal argument")

// ShmPool owns one shm-backed region of Size bytes, with a free-list
// allocator over the header (spec §4.5).
type ShmPool struct {
	Name string // the POSIX shm object name, e.g. "psa-pub-3f91"
	*Arena

	file *os.File
}

// shmDir is where POSIX shared-memory objects live on Linux; overridable
// in tests via NewAt.
const shmDir = "/dev/shm"

// New creates (or truncates and reinitializes) a shm-backed arena of size
// bytes under /dev/shm/<name>, and maps it MAP_SHARED. size is rounded up
// to at least MinPoolSize.
func New(name string, size int) (*ShmPool, error) {
	return NewAt(shmDir, name, size)
}

// NewAt is New with an overridable backing directory, for tests that can't
// write to /dev/shm.
func NewAt(dir, name string, size int) (*ShmPool, error) {
	if name == "" {
		return nil, errors.WithStack(ErrIllegalArgument)
	}
	if size < MinPoolSize {
		size = MinPoolSize
	}

	f, err := os.OpenFile(filepath.Join(dir, name), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.WithMessage(err, "shm: open")
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, errors.WithMessage(err, "shm: truncate")
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.WithMessage(err, "shm: mmap")
	}

	var arena = newArena(data)
	arena.initHeader(size)
	return &ShmPool{Name: name, Arena: arena, file: f}, nil
}

// Close unmaps the region and removes the backing shm object. Only the
// owning process should call Close; peers mapping it via ShmCache must use
// ShmCache.Close instead, which only unmaps without removing the file.
func (p *ShmPool) Close() error {
	var path = p.file.Name()
	if err := unix.Munmap(p.Arena.data); err != nil {
		p.file.Close()
		return errors.WithMessage(err, "shm: munmap")
	}
	p.file.Close()
	return os.Remove(path)
}
