// Package hostpool manages host buffers the runtime lends to a device: DMA
// staging buffers and kernel-abort context buffers. A buffer handed out by
// Get is never given to another caller until it is returned with Put.
package hostpool

import (
	"errors"
	"math/bits"
	"sync"
)

var (
	ErrExhausted = errors.New("host pool exhausted")
	ErrClosed    = errors.New("host pool closed")
	ErrNotOwned  = errors.New("buffer not owned by pool or already returned")
	ErrSize      = errors.New("buffer size must be > 0")
)

const minClass = 4096

// Stats contains pool statistics.
type Stats struct {
	MaxSize     int64
	CurrentSize int64
	InUse       int
	Idle        int
}

// Pool hands out size-classed byte slices and tracks which are lent out.
type Pool struct {
	mu          sync.Mutex
	maxSize     int64
	currentSize int64
	inUse       map[*byte]int
	idle        map[int][][]byte
	closed      bool
}

// New creates a pool that holds at most maxSize bytes; 0 means unbounded.
func New(maxSize int64) *Pool {
	return &Pool{
		maxSize: maxSize,
		inUse:   make(map[*byte]int),
		idle:    make(map[int][][]byte),
	}
}

func classOf(size int) int {
	if size <= minClass {
		return minClass
	}
	return 1 << bits.Len(uint(size-1))
}

// Get returns a buffer of exactly size bytes whose backing array is owned by
// the pool until Put.
func (p *Pool) Get(size int) ([]byte, error) {
	if size <= 0 {
		return nil, ErrSize
	}
	class := classOf(size)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if free := p.idle[class]; len(free) > 0 {
		buf := free[len(free)-1]
		p.idle[class] = free[:len(free)-1]
		p.inUse[&buf[0]] = class
		return buf[:size], nil
	}
	if p.maxSize > 0 && p.currentSize+int64(class) > p.maxSize {
		p.trimLocked(int64(class))
		if p.currentSize+int64(class) > p.maxSize {
			return nil, ErrExhausted
		}
	}
	buf := make([]byte, class)
	p.inUse[&buf[0]] = class
	p.currentSize += int64(class)
	return buf[:size], nil
}

// Put returns a buffer obtained from Get. Returning a buffer twice, or one
// the pool never handed out, fails with ErrNotOwned.
func (p *Pool) Put(buf []byte) error {
	if cap(buf) == 0 {
		return ErrNotOwned
	}
	full := buf[:cap(buf)]

	p.mu.Lock()
	defer p.mu.Unlock()

	class, ok := p.inUse[&full[0]]
	if !ok {
		return ErrNotOwned
	}
	delete(p.inUse, &full[0])
	if p.closed {
		p.currentSize -= int64(class)
		return nil
	}
	p.idle[class] = append(p.idle[class], full[:class])
	return nil
}

// Owns reports whether buf is currently lent out by the pool.
func (p *Pool) Owns(buf []byte) bool {
	if cap(buf) == 0 {
		return false
	}
	full := buf[:cap(buf)]
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inUse[&full[0]]
	return ok
}

// trimLocked drops idle buffers until need more bytes fit.
func (p *Pool) trimLocked(need int64) {
	for class, free := range p.idle {
		for len(free) > 0 && p.currentSize+need > p.maxSize {
			free = free[:len(free)-1]
			p.currentSize -= int64(class)
		}
		p.idle[class] = free
	}
}

// Stats returns pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := 0
	for _, free := range p.idle {
		idle += len(free)
	}
	return Stats{
		MaxSize:     p.maxSize,
		CurrentSize: p.currentSize,
		InUse:       len(p.inUse),
		Idle:        idle,
	}
}

// Close drops idle buffers. Buffers still lent out stay valid and may be
// returned later.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for class, free := range p.idle {
		p.currentSize -= int64(class) * int64(len(free))
	}
	p.idle = nil
}
