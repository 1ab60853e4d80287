package feed

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"brewctl/internal/model"
)

type fakeConn struct {
	ch     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{ch: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) push(p string) { c.ch <- []byte(p) }

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case p := <-c.ch:
		return p, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func testOptions() Options {
	return Options{MinBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
}

func recvSample(t *testing.T, ch <-chan model.Sample) model.Sample {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for sample")
	}
	return model.Sample{}
}

func waitState(t *testing.T, ch <-chan State, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-ch:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for state %s", want)
		}
	}
}

func TestStream_DeliversInOrder(t *testing.T) {
	t.Parallel()

	fc := newFakeConn()
	s := newStream(func(context.Context) (transport, error) { return fc, nil }, testOptions())
	defer s.Close()

	a := make(chan model.Sample, 8)
	b := make(chan model.Sample, 8)
	s.Subscribe(func(smp model.Sample) { a <- smp })
	s.Subscribe(func(smp model.Sample) { b <- smp })

	states := make(chan State, 8)
	s.SubscribeState(func(st State) { states <- st })
	s.EnsureConnected()
	waitState(t, states, StateOpen)

	fc.push(`{"time":1,"heater":0}`)
	fc.push(`{"time":2,"heater":1}`)
	fc.push(`{"time":3,"heater":0}`)

	for _, ch := range []chan model.Sample{a, b} {
		for i, want := range []int64{1, 2, 3} {
			if got := recvSample(t, ch); got.Time != want {
				t.Fatalf("sample %d time=%d want %d", i, got.Time, want)
			}
		}
	}
	if st := s.Stats(); st.Delivered != 3 || st.Dropped != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestStream_EnsureConnectedIdempotent(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	fc := newFakeConn()
	s := newStream(func(context.Context) (transport, error) {
		dials.Add(1)
		return fc, nil
	}, testOptions())
	defer s.Close()

	got := make(chan model.Sample, 8)
	s.Subscribe(func(smp model.Sample) { got <- smp })
	states := make(chan State, 8)
	s.SubscribeState(func(st State) { states <- st })

	s.EnsureConnected()
	waitState(t, states, StateOpen)
	s.EnsureConnected()
	s.EnsureConnected()

	fc.push(`{"time":7,"heater":1}`)
	if smp := recvSample(t, got); smp.Time != 7 {
		t.Fatalf("time=%d", smp.Time)
	}
	select {
	case smp := <-got:
		t.Fatalf("duplicate delivery: %+v", smp)
	case <-time.After(100 * time.Millisecond):
	}
	if n := dials.Load(); n != 1 {
		t.Fatalf("dials=%d", n)
	}
}

func TestStream_Unsubscribe(t *testing.T) {
	t.Parallel()

	fc := newFakeConn()
	s := newStream(func(context.Context) (transport, error) { return fc, nil }, testOptions())
	defer s.Close()

	a := make(chan model.Sample, 8)
	b := make(chan model.Sample, 8)
	idA := s.Subscribe(func(smp model.Sample) { a <- smp })
	s.Subscribe(func(smp model.Sample) { b <- smp })
	s.Unsubscribe(idA)

	states := make(chan State, 8)
	s.SubscribeState(func(st State) { states <- st })
	s.EnsureConnected()
	waitState(t, states, StateOpen)

	fc.push(`{"time":1,"heater":0}`)
	if smp := recvSample(t, b); smp.Time != 1 {
		t.Fatalf("time=%d", smp.Time)
	}
	select {
	case smp := <-a:
		t.Fatalf("unsubscribed callback ran: %+v", smp)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStream_ParsePolicyPropagate(t *testing.T) {
	t.Parallel()

	fc := newFakeConn()
	errs := make(chan error, 8)
	opts := testOptions()
	opts.ParsePolicy = ParsePropagate
	opts.OnParseError = func(err error) { errs <- err }
	s := newStream(func(context.Context) (transport, error) { return fc, nil }, opts)
	defer s.Close()

	got := make(chan model.Sample, 8)
	s.Subscribe(func(smp model.Sample) { got <- smp })
	states := make(chan State, 8)
	s.SubscribeState(func(st State) { states <- st })
	s.EnsureConnected()
	waitState(t, states, StateOpen)

	fc.push(`{"time":`)
	select {
	case err := <-errs:
		if err == nil {
			t.Fatalf("nil error propagated")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for parse error")
	}
	select {
	case smp := <-got:
		t.Fatalf("malformed payload delivered: %+v", smp)
	case <-time.After(50 * time.Millisecond):
	}
	if st := s.Stats(); st.Dropped != 1 || st.Delivered != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestStream_ParsePolicyDropCounts(t *testing.T) {
	t.Parallel()

	fc := newFakeConn()
	opts := testOptions()
	opts.ParsePolicy = ParseDrop
	s := newStream(func(context.Context) (transport, error) { return fc, nil }, opts)
	defer s.Close()

	got := make(chan model.Sample, 8)
	s.Subscribe(func(smp model.Sample) { got <- smp })
	states := make(chan State, 8)
	s.SubscribeState(func(st State) { states <- st })
	s.EnsureConnected()
	waitState(t, states, StateOpen)

	fc.push(`not json`)
	fc.push(`   `)
	fc.push(`{"time":5,"heater":1}`)

	if smp := recvSample(t, got); smp.Time != 5 {
		t.Fatalf("time=%d", smp.Time)
	}
	if st := s.Stats(); st.Dropped != 1 || st.Delivered != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestStream_ReconnectsWithBackoff(t *testing.T) {
	t.Parallel()

	first := newFakeConn()
	second := newFakeConn()
	conns := make(chan *fakeConn, 2)
	conns <- first
	conns <- second

	var dials atomic.Int32
	opts := testOptions()
	opts.Reconnect = true
	s := newStream(func(context.Context) (transport, error) {
		if dials.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return <-conns, nil
	}, opts)
	defer s.Close()

	got := make(chan model.Sample, 8)
	s.Subscribe(func(smp model.Sample) { got <- smp })
	states := make(chan State, 32)
	s.SubscribeState(func(st State) { states <- st })

	s.EnsureConnected()
	waitState(t, states, StateError)
	waitState(t, states, StateOpen)

	first.push(`{"time":1,"heater":0}`)
	if smp := recvSample(t, got); smp.Time != 1 {
		t.Fatalf("time=%d", smp.Time)
	}

	// Controller closes; the stream should come back on its own.
	first.Close()
	waitState(t, states, StateClosed)
	waitState(t, states, StateOpen)

	second.push(`{"time":2,"heater":1}`)
	if smp := recvSample(t, got); smp.Time != 2 {
		t.Fatalf("time=%d", smp.Time)
	}
	if st := s.Stats(); st.Reconnects != 1 {
		t.Fatalf("reconnects=%d", st.Reconnects)
	}
}

func TestStream_NoReconnectWhenDisabled(t *testing.T) {
	t.Parallel()

	first := newFakeConn()
	second := newFakeConn()
	conns := make(chan *fakeConn, 2)
	conns <- first
	conns <- second

	var dials atomic.Int32
	s := newStream(func(context.Context) (transport, error) {
		dials.Add(1)
		return <-conns, nil
	}, testOptions())
	defer s.Close()

	states := make(chan State, 32)
	s.SubscribeState(func(st State) { states <- st })
	s.EnsureConnected()
	waitState(t, states, StateOpen)

	first.Close()
	waitState(t, states, StateDisconnected)
	time.Sleep(50 * time.Millisecond)
	if n := dials.Load(); n != 1 {
		t.Fatalf("dials=%d after close", n)
	}

	// The explicit poke is still honored.
	s.EnsureConnected()
	waitState(t, states, StateOpen)
	if n := dials.Load(); n != 2 {
		t.Fatalf("dials=%d after poke", n)
	}
}

func TestStream_CloseIsTerminal(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	s := newStream(func(context.Context) (transport, error) {
		dials.Add(1)
		return newFakeConn(), nil
	}, testOptions())

	states := make(chan State, 32)
	s.SubscribeState(func(st State) { states <- st })
	s.EnsureConnected()
	waitState(t, states, StateOpen)

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if st := s.State(); st != StateClosed {
		t.Fatalf("state=%s", st)
	}

	s.EnsureConnected()
	time.Sleep(50 * time.Millisecond)
	if n := dials.Load(); n != 1 {
		t.Fatalf("dials=%d after close", n)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
