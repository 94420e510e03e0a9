//go:build linux || darwin

package allocator

import (
	"testing"
	"unsafe"
)

func TestMmapAllocator(t *testing.T) {
	ma, err := NewMmapAllocator(4096, DefaultConfig())
	if err != nil {
		t.Fatalf("NewMmapAllocator: %v", err)
	}
	defer ma.Close()

	t.Run("BasicAllocation", func(t *testing.T) {
		ptr := ma.Alloc(256)
		if ptr == nil {
			t.Fatal("allocation failed")
		}

		data := unsafe.Slice((*byte)(ptr), 256)
		for i := range data {
			data[i] = byte(i)
		}

		for i := range data {
			if data[i] != byte(i) {
				t.Fatalf("data corruption at index %d", i)
			}
		}
	})

	t.Run("ExhaustsRegion", func(t *testing.T) {
		fresh, err := NewMmapAllocator(64, DefaultConfig())
		if err != nil {
			t.Fatalf("NewMmapAllocator: %v", err)
		}
		defer fresh.Close()

		if ptr := fresh.Alloc(1024); ptr != nil {
			t.Fatal("expected nil from an allocation larger than the mapped region")
		}
	})

	t.Run("Calloc", func(t *testing.T) {
		ptr := ma.Calloc(8, 8)
		if ptr == nil {
			t.Fatal("calloc failed")
		}

		data := unsafe.Slice((*byte)(ptr), 64)
		for _, b := range data {
			if b != 0 {
				t.Fatal("calloc byte not zeroed")
			}
		}
	})

	t.Run("FreeIsNoop", func(t *testing.T) {
		ptr := ma.Alloc(32)
		before := ma.Stats().BytesInUse
		ma.Free(ptr)

		if after := ma.Stats().BytesInUse; after != before {
			t.Fatalf("Free changed BytesInUse from %d to %d, want unchanged", before, after)
		}
	})
}
