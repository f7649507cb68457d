package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytePool(t *testing.T) {
	pool := NewBytePool(1500)

	buf := pool.Get()
	assert.Len(t, *buf, 1500)

	*buf = (*buf)[:10]
	pool.Put(buf)
	again := pool.Get()
	assert.Len(t, *again, 1500)

	small := make([]byte, 10)
	assert.NotPanics(t, func() { pool.Put(&small) })
	assert.NotPanics(t, func() { pool.Put(nil) })
}

func TestSlicePool(t *testing.T) {
	type item struct{ n int }
	pool := NewSlicePool[*item](4)

	s := pool.Get()
	assert.Empty(t, *s)
	*s = append(*s, &item{1}, &item{2})
	backing := (*s)[:2]
	pool.Put(s)

	assert.Nil(t, backing[0])
	assert.Nil(t, backing[1])

	s2 := pool.Get()
	assert.Empty(t, *s2)
}
