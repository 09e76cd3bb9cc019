package riptide

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// TestBufferPoolSizes verifies correct size class selection
func TestBufferPoolSizes(t *testing.T) {
	pool := NewBufferPool()

	tests := []struct {
		name          string
		requestedSize int
		expectedSize  int
	}{
		{"Small 1KB", 1024, BufferSize4KB},
		{"Exact 4KB", BufferSize4KB, BufferSize4KB},
		{"Between 4KB-16KB", 6 * 1024, BufferSize16KB},
		{"Exact 16KB", BufferSize16KB, BufferSize16KB},
		{"Between 16KB-64KB", 48 * 1024, BufferSize64KB},
		{"Between 64KB-256KB", 100 * 1024, BufferSize256KB},
		{"Exact 1MB", BufferSize1MB, BufferSize1MB},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := pool.Get(tt.requestedSize)
			defer pool.Put(buf)

			if len(buf) != tt.expectedSize || cap(buf) != tt.expectedSize {
				t.Errorf("len %d cap %d, want %d", len(buf), cap(buf), tt.expectedSize)
			}
		})
	}
}

// TestBufferPoolOversized verifies buffers above 1MB bypass the pool
func TestBufferPoolOversized(t *testing.T) {
	pool := NewBufferPool()

	buf := pool.Get(2 * BufferSize1MB)
	if len(buf) != 2*BufferSize1MB {
		t.Errorf("len = %d", len(buf))
	}
	pool.Put(buf)

	m := pool.GetMetrics()
	if m.Oversized != 1 {
		t.Errorf("oversized = %d", m.Oversized)
	}
	for _, c := range m.Classes {
		if c.Puts != 0 {
			t.Errorf("%d class got a put", c.Size)
		}
	}
}

// TestBufferPoolMetrics verifies gets, puts and hits+misses add up
func TestBufferPoolMetrics(t *testing.T) {
	pool := NewBufferPool()

	const iterations = 100
	for range iterations {
		buf := pool.Get(4096)
		pool.Put(buf)
	}

	c := pool.GetMetrics().Classes[0]
	if c.Size != BufferSize4KB {
		t.Fatalf("first class = %d", c.Size)
	}
	if c.Gets != iterations || c.Puts != iterations {
		t.Errorf("gets %d puts %d, want %d", c.Gets, c.Puts, iterations)
	}
	if c.Hits+c.Misses != iterations {
		t.Errorf("hits %d + misses %d != %d", c.Hits, c.Misses, iterations)
	}
}

func TestBufferPoolPutRouting(t *testing.T) {
	pool := NewBufferPool()

	pool.Put(make([]byte, 100))          // too small, dropped
	pool.Put(make([]byte, 20*1024))      // serves the 16KB class
	pool.Put(make([]byte, 0, 64*1024+1)) // serves the 64KB class

	m := pool.GetMetrics()
	puts := map[int]uint64{}
	for _, c := range m.Classes {
		puts[c.Size] = c.Puts
	}
	if puts[BufferSize4KB] != 0 || puts[BufferSize16KB] != 1 || puts[BufferSize64KB] != 1 {
		t.Errorf("puts = %v", puts)
	}
}

func TestBufferPoolGrow(t *testing.T) {
	pool := NewBufferPool()
	buf := pool.Get(10)
	copy(buf, "hello")

	grown := pool.Grow(buf, 5, BufferSize4KB+1)
	if len(grown) != BufferSize16KB {
		t.Fatalf("len = %d", len(grown))
	}
	if string(grown[:5]) != "hello" {
		t.Errorf("content = %q", grown[:5])
	}
}

// TestBufferPoolConcurrent verifies thread safety
func TestBufferPoolConcurrent(t *testing.T) {
	pool := NewBufferPool()

	const goroutines = 50
	const iterations = 200

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range iterations {
				buf := pool.Get(1024 * (i%32 + 1))
				buf[0] = byte(i)
				pool.Put(buf)
			}
		}()
	}
	wg.Wait()

	var gets uint64
	for _, c := range pool.GetMetrics().Classes {
		gets += c.Gets
	}
	if gets != goroutines*iterations {
		t.Errorf("gets = %d", gets)
	}
}

func TestPrometheusCollector(t *testing.T) {
	pool := NewBufferPool()
	pool.Put(pool.Get(100))
	pool.Get(5 * BufferSize1MB)

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewPrometheusCollector(pool))
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	byName := map[string]*dto.MetricFamily{}
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	gets := byName["riptide_buffer_pool_gets_total"]
	if gets == nil || gets.GetType() != dto.MetricType_COUNTER {
		t.Fatalf("gets family = %v", gets)
	}
	if len(gets.GetMetric()) != len(sizeClasses) {
		t.Errorf("gets has %d series", len(gets.GetMetric()))
	}
	for _, m := range gets.GetMetric() {
		label := m.GetLabel()[0]
		if label.GetName() != "size" {
			t.Errorf("label = %s", label.GetName())
		}
		want := 0.0
		if label.GetValue() == "4kb" {
			want = 1
		}
		if got := m.GetCounter().GetValue(); got != want {
			t.Errorf("gets{size=%q} = %v, want %v", label.GetValue(), got, want)
		}
	}

	oversized := byName["riptide_buffer_pool_oversized_total"]
	if oversized == nil || oversized.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Errorf("oversized = %v", oversized)
	}
}

func TestSizeLabel(t *testing.T) {
	for size, want := range map[int]string{
		BufferSize4KB:   "4kb",
		BufferSize256KB: "256kb",
		BufferSize1MB:   "1mb",
	} {
		if got := sizeLabel(size); got != want {
			t.Errorf("sizeLabel(%d) = %q, want %q", size, got, want)
		}
	}
}
