package synthetic

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/video-system/go-frame-recorder/pkg/input"
)

func TestSourceDeliversEveryExposure(t *testing.T) {
	src, err := New(Options{
		Width: 4, Height: 4, Framerate: 10,
		ReorderWindow: 5, MaxFrames: 20, Seed: 7,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer src.Close()

	var stamps []uint64
	outOfOrder := false
	for i := 0; i < 20; i++ {
		f, err := src.NextFrame(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("NextFrame %d: %v", i, err)
		}
		if len(stamps) > 0 && f.Timestamp < stamps[len(stamps)-1] {
			outOfOrder = true
		}
		stamps = append(stamps, f.Timestamp)
		if got := Index(f.Data); got != (f.Timestamp-defaultStartTime)/src.Period() {
			t.Errorf("stamped index %d does not match timestamp %d", got, f.Timestamp)
		}
		f.Release()
	}

	if !outOfOrder {
		t.Error("expected shuffled arrival order with a reorder window of 5")
	}

	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
	for i, ts := range stamps {
		want := uint64(defaultStartTime) + uint64(i)*src.Period()
		if ts != want {
			t.Fatalf("stamp %d = %d, want %d", i, ts, want)
		}
	}

	if _, err := src.NextFrame(context.Background(), 10*time.Millisecond); !errors.Is(err, input.ErrTimeout) {
		t.Errorf("exhausted source error = %v, want ErrTimeout", err)
	}
}

func TestSourceDropsExposures(t *testing.T) {
	src, err := New(Options{
		Width: 2, Height: 2, Framerate: 100,
		DropEvery: 3, MaxFrames: 9, Format: input.FormatMono8,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var got []uint64
	for {
		f, err := src.NextFrame(context.Background(), 5*time.Millisecond)
		if errors.Is(err, input.ErrTimeout) {
			break
		}
		if err != nil {
			t.Fatalf("NextFrame: %v", err)
		}
		got = append(got, (f.Timestamp-defaultStartTime)/src.Period())
		f.Release()
	}

	want := []uint64{0, 1, 3, 4, 6, 7}
	if len(got) != len(want) {
		t.Fatalf("got indexes %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got indexes %v, want %v", got, want)
		}
	}
}

func TestSourceBufferStarvation(t *testing.T) {
	src, err := New(Options{Width: 2, Height: 2, Framerate: 100, Buffers: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a, _ := src.NextFrame(context.Background(), time.Second)
	b, _ := src.NextFrame(context.Background(), time.Second)
	if src.Outstanding() != 2 {
		t.Fatalf("outstanding = %d, want 2", src.Outstanding())
	}

	if _, err := src.NextFrame(context.Background(), 20*time.Millisecond); !errors.Is(err, input.ErrTimeout) {
		t.Fatalf("starved source error = %v, want ErrTimeout", err)
	}

	a.Release()
	a.Release()
	if src.Outstanding() != 1 {
		t.Fatalf("outstanding after double release = %d, want 1", src.Outstanding())
	}

	c, err := src.NextFrame(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("NextFrame after release: %v", err)
	}
	b.Release()
	c.Release()
	if src.Outstanding() != 0 {
		t.Errorf("outstanding = %d, want 0", src.Outstanding())
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Options{Width: 0, Height: 1, Framerate: 1}); err == nil {
		t.Error("expected error for zero width")
	}
	if _, err := New(Options{Width: 1, Height: 1, Framerate: 0}); err == nil {
		t.Error("expected error for zero framerate")
	}
	if _, err := New(Options{Width: 1, Height: 1, Framerate: 1, Format: "yuyv"}); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestRegistered(t *testing.T) {
	src, err := input.Open("synthetic", input.Config{Width: 2, Height: 2, Framerate: 1000})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	f, err := src.NextFrame(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	f.Release()
}
