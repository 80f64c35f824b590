package bufpool

import (
	"sync"

	"golang.org/x/sys/unix"
)

// slab is a single anonymous mapping from which pool chunks are carved.
// Mapping it in one piece keeps transport memory registration to a single
// region. Huge pages are best-effort: if MAP_HUGETLB fails (no hugetlbfs
// reservation), we fall back to a normal mapping.
type slab struct {
	mtx  sync.Mutex
	mem  []byte
	next uintptr
}

func newSlab(size uintptr) *slab {
	sz := int(size)
	mem, err := unix.Mmap(-1, 0, sz,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_HUGETLB)
	if err != nil {
		mem, err = unix.Mmap(-1, 0, sz,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANON)
	}
	if err != nil {
		// Out of address space at init time is not recoverable.
		panic("bufpool: cannot map slab: " + err.Error())
	}
	return &slab{mem: mem}
}

// carve returns the next size bytes of the slab, or nil when the slab is
// exhausted.
func (s *slab) carve(size uintptr) []byte {
	if s == nil {
		return nil
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.next+size > uintptr(len(s.mem)) {
		return nil
	}
	mem := s.mem[s.next : s.next+size : s.next+size]
	s.next += size
	return mem
}

func (s *slab) unmap() error {
	if s == nil {
		return nil
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	mem := s.mem
	s.mem = nil
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}

// Unmap releases the slab mapping. All buffers carved from the pool must
// have been freed or forgotten by the caller.
func (p *Pool) Unmap() error {
	return p.slab.unmap()
}
