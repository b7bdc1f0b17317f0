package preview

import (
	"errors"
	"image/color"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func solidBGR(width, height int, b, g, r byte) []byte {
	buf := make([]byte, width*height*3)
	for i := 0; i < len(buf); i += 3 {
		buf[i], buf[i+1], buf[i+2] = b, g, r
	}
	return buf
}

type recordingSink struct {
	mu    sync.Mutex
	seqs  []uint64
	delay time.Duration
}

func (s *recordingSink) Show(f Frame) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.seqs = append(s.seqs, f.Seq)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) shown() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.seqs...)
}

func TestDownsample(t *testing.T) {
	img := Downsample(solidBGR(40, 20, 10, 20, 30), 40, 20, 0.25)
	if img == nil {
		t.Fatal("Downsample returned nil")
	}
	if b := img.Bounds(); b.Dx() != 10 || b.Dy() != 5 {
		t.Fatalf("bounds = %v, want 10x5", b)
	}

	got := img.RGBAAt(3, 2)
	want := color.RGBA{R: 30, G: 20, B: 10, A: 255}
	if got != want {
		t.Errorf("pixel = %v, want %v (channels must be swapped from BGR)", got, want)
	}
}

func TestDownsampleRejectsBadGeometry(t *testing.T) {
	if Downsample(make([]byte, 10), 4, 4, 0.5) != nil {
		t.Error("expected nil for short buffer")
	}
	if img := Downsample(solidBGR(3, 3, 0, 0, 0), 3, 3, 0.01); img == nil || img.Bounds().Dx() != 1 {
		t.Error("tiny scale should clamp to a 1x1 image")
	}
}

func TestChannelRendersOrderedSubsequence(t *testing.T) {
	sink := &recordingSink{delay: time.Millisecond}
	c := NewChannel(sink, Config{Scale: 0.5}, nil, nil)

	const n = 200
	frame := solidBGR(8, 8, 1, 2, 3)
	for i := 0; i < n; i++ {
		c.Offer(uint64(i), uint64(i)*100, frame, 8, 8)
		if i%20 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}
	time.Sleep(20 * time.Millisecond)
	c.Close()

	shown := sink.shown()
	seen := make(map[uint64]bool)
	for i, seq := range shown {
		if seq >= n {
			t.Fatalf("rendered unknown frame %d", seq)
		}
		if seen[seq] {
			t.Fatalf("frame %d rendered twice", seq)
		}
		seen[seq] = true
		if i > 0 && seq <= shown[i-1] {
			t.Fatalf("rendered out of order: %v", shown)
		}
	}

	stats := c.Stats()
	if stats.Offered != n {
		t.Errorf("offered = %d, want %d", stats.Offered, n)
	}
	if stats.Rendered != uint64(len(shown)) {
		t.Errorf("rendered = %d, sink saw %d", stats.Rendered, len(shown))
	}
}

func TestOfferSkipsWhileDisplayBusy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	sink := SinkFunc(func(f Frame) error {
		started <- struct{}{}
		<-release
		return nil
	})
	c := NewChannel(sink, Config{}, nil, nil)
	defer c.Close()

	frame := solidBGR(4, 4, 0, 0, 0)
	if !c.Offer(0, 0, frame, 4, 4) {
		t.Fatal("first offer should be stored")
	}
	<-started

	done := make(chan bool, 1)
	go func() { done <- c.Offer(1, 1, frame, 4, 4) }()

	select {
	case stored := <-done:
		if stored {
			t.Error("offer should be skipped while the display holds the slot")
		}
	case <-time.After(time.Second):
		t.Fatal("Offer blocked on a busy display")
	}

	close(release)
	if c.Stats().Skipped != 1 {
		t.Errorf("skipped = %d, want 1", c.Stats().Skipped)
	}
}

func TestSinkErrorsCounted(t *testing.T) {
	shown := make(chan struct{}, 1)
	c := NewChannel(SinkFunc(func(Frame) error {
		shown <- struct{}{}
		return errors.New("window closed")
	}), Config{}, nil, nil)

	c.Offer(0, 0, solidBGR(2, 2, 0, 0, 0), 2, 2)
	select {
	case <-shown:
	case <-time.After(time.Second):
		t.Fatal("display never ran")
	}
	c.Close()

	if c.Stats().Errors != 1 {
		t.Errorf("errors = %d, want 1", c.Stats().Errors)
	}
}

func TestCloseIdempotentAndPrompt(t *testing.T) {
	c := NewChannel(nil, Config{}, nil, nil)

	done := make(chan struct{})
	go func() {
		c.Close()
		c.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return promptly")
	}

	if c.Offer(0, 0, solidBGR(2, 2, 0, 0, 0), 2, 2) {
		t.Error("Offer after Close should be ignored")
	}

	var nilChannel *Channel
	nilChannel.Close()
	if nilChannel.Offer(0, 0, nil, 0, 0) {
		t.Error("nil channel should ignore offers")
	}
}

func TestHubBroadcastsJPEG(t *testing.T) {
	hub := NewHub(80, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	img := Downsample(solidBGR(16, 16, 0, 0, 255), 16, 16, 1)
	if err := hub.Show(Frame{Seq: 1, Image: img}); err != nil {
		t.Fatalf("Show: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if typ != websocket.BinaryMessage {
		t.Errorf("message type = %d, want binary", typ)
	}
	if len(msg) < 2 || msg[0] != 0xFF || msg[1] != 0xD8 {
		t.Error("payload is not a JPEG")
	}
}

func TestHubShowWithoutClients(t *testing.T) {
	hub := NewHub(0, nil)
	if err := hub.Show(Frame{}); err != nil {
		t.Errorf("Show without clients: %v", err)
	}
	hub.Close()
}
