package shm

import (
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// OpenFlags mirror the POSIX open(2) flags ShmCache passes when attaching a
// foreign arena (spec §4.5's "opens foreign arenas lazily by (shmId,
// openFlags)"); Go callers normally just want read-write access to an
// already-created arena, so ReadWrite covers the common case.
type OpenFlags int

const (
	ReadOnly OpenFlags = iota
	ReadWrite
)

// mappedArena is one foreign arena this cache keeps mapped for reuse.
type mappedArena struct {
	file  *os.File
	data  []byte
	arena *Arena
}

// ShmCache is the peer side of ShmPool (spec §4.5): given another
// process's arena name, it lazily opens and mmaps it, keeps the mapping
// around for reuse, and polls for the owner detaching so it can fire
// peerClosedCB. Detach detection has no portable "this fd's peer hung up"
// signal for a plain shm file the way a socket gets one, so the cache
// polls the backing file's link count -- the owner's Close/Remove drops it
// to zero -- on a fixed interval, the same polling idiom the teacher's
// consumer/resolver.go watch loop uses for a different backing store.
type ShmCache struct {
	dir          string
	pollInterval time.Duration

	mu     sync.Mutex
	arenas map[string]*mappedArena

	peerClosedCB func(shmID string)
	stopPolling  chan struct{}
	pollWG       sync.WaitGroup
}

// NewCache returns a ShmCache rooted at dir (normally /dev/shm), invoking
// onPeerClosed whenever a previously-opened arena's owner detaches.
func NewCache(dir string, onPeerClosed func(shmID string)) *ShmCache {
	var c = &ShmCache{
		dir:          dir,
		pollInterval: 250 * time.Millisecond,
		arenas:       make(map[string]*mappedArena),
		peerClosedCB: onPeerClosed,
		stopPolling:  make(chan struct{}),
	}
	c.pollWG.Add(1)
	go c.pollLoop()
	return c
}

// Open returns the payload bytes of the foreign arena named shmID, mapping
// it on first use. Subsequent calls for the same shmID reuse the mapping.
func (c *ShmCache) Open(shmID string, flags OpenFlags) ([]byte, error) {
	a, err := c.OpenArena(shmID, flags)
	if err != nil {
		return nil, err
	}
	return a.data, nil
}

// OpenArena is Open, but returns the mapped region wrapped in an Arena so
// the caller can Malloc/Free directly against the foreign pool's own
// free-list header -- what RsaShmServer does to place a response
// descriptor inside the calling client's arena (spec §4.6 step 5).
func (c *ShmCache) OpenArena(shmID string, flags OpenFlags) (*Arena, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.arenas[shmID]; ok {
		return a.arena, nil
	}

	var oflag = os.O_RDWR
	var prot = unix.PROT_READ | unix.PROT_WRITE
	if flags == ReadOnly {
		oflag = os.O_RDONLY
		prot = unix.PROT_READ
	}

	f, err := os.OpenFile(filepath.Join(c.dir, shmID), oflag, 0)
	if err != nil {
		return nil, errors.WithMessagef(err, "shm: open foreign arena %q", shmID)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.WithMessage(err, "shm: stat foreign arena")
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.WithMessage(err, "shm: mmap foreign arena")
	}

	var entry = &mappedArena{file: f, data: data, arena: newArena(data)}
	c.arenas[shmID] = entry
	return entry.arena, nil
}

func (c *ShmCache) pollLoop() {
	defer c.pollWG.Done()
	var ticker = time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopPolling:
			return
		case <-ticker.C:
			c.detectDetached()
		}
	}
}

func (c *ShmCache) detectDetached() {
	c.mu.Lock()
	var gone []string
	for id, a := range c.arenas {
		info, err := a.file.Stat()
		if err != nil || nlink(info) == 0 {
			gone = append(gone, id)
		}
	}
	for _, id := range gone {
		var a = c.arenas[id]
		unix.Munmap(a.data)
		a.file.Close()
		delete(c.arenas, id)
	}
	c.mu.Unlock()

	for _, id := range gone {
		if c.peerClosedCB != nil {
			c.peerClosedCB(id)
		}
	}
}

// nlink returns the hard-link count of a stat'd file, 0 if the platform
// stat_t isn't available (never the case on the Linux target this package
// is written for).
func nlink(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Nlink)
	}
	return 0
}

// Close unmaps every foreign arena this cache holds and stops its polling
// goroutine. It does not remove any backing file -- only the owning
// ShmPool's Close does that.
func (c *ShmCache) Close() error {
	close(c.stopPolling)
	c.pollWG.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, a := range c.arenas {
		unix.Munmap(a.data)
		a.file.Close()
		delete(c.arenas, id)
	}
	return nil
}
