package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.FrameAcquired()
	r.FrameDelivered()
	r.FrameStale()
	r.FrameDuplicate()
	r.Resync()
	r.SetReorderPending(3)
	r.FrameWritten()
	r.WriteError()
	r.SetQueueDepth(1)
	r.PreviewRendered()
	r.PreviewSkipped()
	r.RunHostSampler(context.Background(), time.Second)

	if r.Registry() != nil {
		t.Error("nil recorder should have no registry")
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	r := New("test-session")
	r.FrameWritten()
	r.FrameWritten()
	r.SetQueueDepth(5)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`frame_recorder_frames_written_total{session="test-session"} 2`,
		`frame_recorder_encode_queue_depth{session="test-session"} 5`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRunHostSamplerStops(t *testing.T) {
	r := New("sampler")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.RunHostSampler(ctx, 10*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sampler did not stop")
	}
}
