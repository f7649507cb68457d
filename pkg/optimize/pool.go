package optimize

import (
	"sync"
)

// BytePool hands out fixed-size byte slices.
type BytePool struct {
	pool sync.Pool
	size int
}

func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

func (p *BytePool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put drops slices that are too small to serve a later Get.
func (p *BytePool) Put(b *[]byte) {
	if b == nil || cap(*b) < p.size {
		return
	}
	*b = (*b)[:p.size]
	p.pool.Put(b)
}

// SlicePool reuses the backing arrays of short-lived slices, such as the
// per-packet snapshot of a subscriber list.
type SlicePool[T any] struct {
	pool sync.Pool
}

func NewSlicePool[T any](capacity int) *SlicePool[T] {
	return &SlicePool[T]{
		pool: sync.Pool{
			New: func() interface{} {
				s := make([]T, 0, capacity)
				return &s
			},
		},
	}
}

// Get returns an empty slice.
func (p *SlicePool[T]) Get() *[]T {
	s := p.pool.Get().(*[]T)
	*s = (*s)[:0]
	return s
}

// Put clears the elements so pooled slices do not keep them alive.
func (p *SlicePool[T]) Put(s *[]T) {
	if s == nil {
		return
	}
	var zero T
	for i := range *s {
		(*s)[i] = zero
	}
	*s = (*s)[:0]
	p.pool.Put(s)
}
