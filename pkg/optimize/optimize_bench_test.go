package optimize

import "testing"

func BenchmarkSlicePool(b *testing.B) {
	pool := NewSlicePool[*int](8)
	v := new(int)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		s := pool.Get()
		for j := 0; j < 8; j++ {
			*s = append(*s, v)
		}
		pool.Put(s)
	}
}

func BenchmarkSliceAlloc(b *testing.B) {
	v := new(int)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		s := make([]*int, 0, 8)
		for j := 0; j < 8; j++ {
			s = append(s, v)
		}
		_ = s
	}
}
