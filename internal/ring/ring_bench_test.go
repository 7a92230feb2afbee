package ring

import "testing"

func benchmarkWriteRead(capacity, chunk int, b *testing.B) {
	region := make([]byte, SegmentSize(capacity))
	buf, err := New(region, capacity, nonBlocking())
	if err != nil {
		b.Fatalf("failed to create buffer: %v", err)
	}

	src := make([]byte, chunk)
	dst := make([]byte, chunk)

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		buf.Write(src)
		buf.Read(dst)
	}
}

func BenchmarkWriteRead_64B(b *testing.B)  { benchmarkWriteRead(4096, 64, b) }
func BenchmarkWriteRead_1KB(b *testing.B)  { benchmarkWriteRead(8192, 1024, b) }
func BenchmarkWriteRead_4KB(b *testing.B)  { benchmarkWriteRead(16384, 4096, b) }
func BenchmarkWriteRead_64KB(b *testing.B) { benchmarkWriteRead(262144, 65536, b) }
