package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSocket struct {
	mu      sync.Mutex
	written []string
	reads   chan []byte
	closed  chan struct{}
	once    sync.Once
	closes  int
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{reads: make(chan []byte, 8), closed: make(chan struct{})}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-f.reads:
		return 1, msg, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, string(data))
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestQueuedSendsFlushInOrderOnce(t *testing.T) {
	sock := newFakeSocket()
	release := make(chan struct{})
	c := New(Options{
		Name: "test",
		Dial: func(ctx context.Context) (Socket, error) {
			<-release
			return sock, nil
		},
		OnOpen: func(s Socket) error {
			return s.WriteMessage(1, []byte("hello"))
		},
	})
	c.Start(context.Background())
	for _, msg := range []string{"a", "b", "c"} {
		if err := c.SendRaw([]byte(msg)); err != nil {
			t.Fatalf("send while connecting: %v", err)
		}
	}
	if c.State() != StateConnecting || c.Pending() != 3 {
		t.Fatalf("expected 3 queued while connecting, got state=%s pending=%d", c.State(), c.Pending())
	}
	close(release)
	waitFor(t, c.Opened(), "open")
	if err := c.SendRaw([]byte("d")); err != nil {
		t.Fatalf("send after open: %v", err)
	}
	got := sock.messages()
	want := []string{"hello", "a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if c.Pending() != 0 {
		t.Fatalf("expected empty queue after flush")
	}
}

func TestCloseIsIdempotentAndDiscardsQueue(t *testing.T) {
	c := New(Options{
		Name: "test",
		Dial: func(ctx context.Context) (Socket, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	_ = c.Send(map[string]string{"type": "queued"})
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	waitFor(t, c.Done(), "done")
	if c.Pending() != 0 {
		t.Fatalf("expected queue discarded")
	}
	if err := c.Send(map[string]string{"type": "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if c.Err() != nil {
		t.Fatalf("expected nil error for requested close, got %v", c.Err())
	}
}

func TestAttachReadsAndClosesSocketOnce(t *testing.T) {
	sock := newFakeSocket()
	c := Attach("carrier", sock, nil)
	waitFor(t, c.Opened(), "open")
	sock.reads <- []byte(`{"event":"start"}`)
	select {
	case msg := <-c.Messages():
		if string(msg) != `{"event":"start"}` {
			t.Fatalf("unexpected message %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no message")
	}
	_ = c.Close()
	_ = c.Close()
	waitFor(t, c.Done(), "done")
	sock.mu.Lock()
	closes := sock.closes
	sock.mu.Unlock()
	if closes != 1 {
		t.Fatalf("expected one socket close, got %d", closes)
	}
}

func TestDialFailureClosesWithError(t *testing.T) {
	boom := errors.New("refused")
	c := New(Options{Name: "test", Dial: func(context.Context) (Socket, error) { return nil, boom }})
	c.Start(context.Background())
	waitFor(t, c.Done(), "done")
	if !errors.Is(c.Err(), boom) {
		t.Fatalf("expected dial error, got %v", c.Err())
	}
	if c.State() != StateClosed {
		t.Fatalf("expected closed state")
	}
}

func TestReadErrorFailsConnection(t *testing.T) {
	sock := newFakeSocket()
	c := Attach("carrier", sock, nil)
	_ = sock.Close()
	waitFor(t, c.Done(), "done")
	if c.Err() == nil {
		t.Fatalf("expected read error to be recorded")
	}
}
