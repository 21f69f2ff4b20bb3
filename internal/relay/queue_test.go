package relay

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"testing/synctest"
	"time"
)

func TestQueueSetFIFOExactlyOnce(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		qs := NewQueueSet(0)

		for _, frame := range []string{"A", "B", "C"} {
			err := qs.Put("WLTEST", ToEndpoint, []byte(frame))
			if nil != err {
				t.Fatalf("failed Put, got error %v", err)
			}
		}

		for _, want := range []string{"A", "B", "C"} {
			frame, ok, err := qs.PullWait(t.Context(), "WLTEST", ToEndpoint, time.Second)
			if nil != err {
				t.Fatalf("failed PullWait, got error %v", err)
			}
			if !ok || want != string(frame) {
				t.Fatalf("Oops, want frame %q got %q (ok=%v)", want, frame, ok)
			}
		}

		// the queue is drained, a fourth pull times out instead of
		// re-delivering
		frame, ok, err := qs.PullWait(t.Context(), "WLTEST", ToEndpoint, 100*time.Millisecond)
		if nil != err {
			t.Fatalf("failed empty PullWait, got error %v", err)
		}
		if ok {
			t.Fatalf("Oops, empty queue delivered frame %q", frame)
		}
	})
}

// a frame enqueued while nobody pulls must survive until the next pull
func TestQueueSetPutWhileIdle(t *testing.T) {
	qs := NewQueueSet(0)

	err := qs.Put("WLTEST", ToEndpoint, []byte("A"))
	if nil != err {
		t.Fatalf("failed Put, got error %v", err)
	}
	if 1 != qs.Pending("WLTEST", ToEndpoint) {
		t.Fatalf("Oops, Pending reports %d frames after one Put", qs.Pending("WLTEST", ToEndpoint))
	}

	frame, ok, err := qs.PullWait(t.Context(), "WLTEST", ToEndpoint, 0)
	if nil != err {
		t.Fatalf("failed PullWait, got error %v", err)
	}
	if !ok || "A" != string(frame) {
		t.Fatalf("Oops, want frame %q got %q (ok=%v)", "A", frame, ok)
	}
}

func TestQueueSetBlockingHandoff(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		qs := NewQueueSet(0)

		type pull struct {
			frame []byte
			ok    bool
			err   error
		}
		got := make(chan pull, 1)
		go func() {
			frame, ok, err := qs.PullWait(t.Context(), "WLTEST", ToController, 5*time.Second)
			got <- pull{frame: frame, ok: ok, err: err}
		}()

		// puller is blocked on the gate before the frame arrives
		synctest.Wait()
		err := qs.Put("WLTEST", ToController, []byte("reply"))
		if nil != err {
			t.Fatalf("failed Put, got error %v", err)
		}

		rv := <-got
		if nil != rv.err {
			t.Fatalf("failed PullWait, got error %v", rv.err)
		}
		if !rv.ok || !bytes.Equal([]byte("reply"), rv.frame) {
			t.Fatalf("Oops, want frame %q got %q (ok=%v)", "reply", rv.frame, rv.ok)
		}
	})
}

func TestQueueSetCancellation(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		qs := NewQueueSet(0)

		ctx, cancel := context.WithCancel(t.Context())
		got := make(chan error, 1)
		go func() {
			_, _, err := qs.PullWait(ctx, "WLTEST", ToEndpoint, time.Minute)
			got <- err
		}()

		synctest.Wait()
		cancel()

		err := <-got
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Oops, want context.Canceled got %v", err)
		}
	})
}

func TestQueueSetRetention(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		qs := NewQueueSet(time.Minute)

		err := qs.Put("WLTEST", ToEndpoint, []byte("stale"))
		if nil != err {
			t.Fatalf("failed Put, got error %v", err)
		}

		time.Sleep(30 * time.Second)
		if 1 != qs.Pending("WLTEST", ToEndpoint) {
			t.Fatalf("Oops, frame dropped before the retention window")
		}

		time.Sleep(31 * time.Second)
		if 0 != qs.Pending("WLTEST", ToEndpoint) {
			t.Fatalf("Oops, frame survived past the retention window")
		}

		frame, ok, err := qs.PullWait(t.Context(), "WLTEST", ToEndpoint, 0)
		if nil != err {
			t.Fatalf("failed PullWait, got error %v", err)
		}
		if ok {
			t.Fatalf("Oops, expired frame %q was delivered", frame)
		}
	})
}

func TestQueueSetDrain(t *testing.T) {
	qs := NewQueueSet(0)

	for _, frame := range []string{"A", "B", "C"} {
		err := qs.Put("WLTEST", ToEndpoint, []byte(frame))
		if nil != err {
			t.Fatalf("failed Put, got error %v", err)
		}
	}

	frames, err := qs.Drain("WLTEST", ToEndpoint)
	if nil != err {
		t.Fatalf("failed Drain, got error %v", err)
	}
	if 3 != len(frames) || "A" != string(frames[0]) || "C" != string(frames[2]) {
		t.Fatalf("Oops, drained %q", frames)
	}

	frames, err = qs.Drain("WLTEST", ToEndpoint)
	if nil != err {
		t.Fatalf("failed second Drain, got error %v", err)
	}
	if 0 != len(frames) {
		t.Fatalf("Oops, second drain re-delivered %q", frames)
	}
}

func TestQueueSetBadDirection(t *testing.T) {
	qs := NewQueueSet(0)

	err := qs.Put("WLTEST", Direction("sideways"), []byte("A"))
	if nil == err {
		t.Fatalf("Oops, invalid direction was accepted")
	}
}
