package feed

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"brewctl/internal/model"
)

// State of the feed connection. Only StateOpen delivers samples.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosed       State = "closed"
	StateError        State = "error"
)

// Transports for the sample feed.
const (
	TransportSSE = "sse"
	TransportWS  = "ws"
)

// ParsePolicy says what happens to a payload that fails to decode.
type ParsePolicy string

const (
	ParseLog       ParsePolicy = "log"       // log and drop
	ParseDrop      ParsePolicy = "drop"      // drop silently
	ParsePropagate ParsePolicy = "propagate" // hand to OnParseError
)

// Options configure a Stream. The zero value reads SSE, logs parse
// failures and reconnects only on explicit EnsureConnected calls.
type Options struct {
	Transport    string
	Reconnect    bool
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	ParsePolicy  ParsePolicy
	OnParseError func(error)
}

func (o *Options) applyDefaults() {
	if o.Transport == "" {
		o.Transport = TransportSSE
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = o.MinBackoff
	}
	if o.ParsePolicy == "" {
		o.ParsePolicy = ParseLog
	}
}

// transport is one live connection to the feed. Read blocks for the
// next raw payload.
type transport interface {
	Read() ([]byte, error)
	Close() error
}

type dialFunc func(ctx context.Context) (transport, error)

type subscriber struct {
	id int
	fn func(model.Sample)
}

type stateSubscriber struct {
	id int
	fn func(State)
}

// Stream owns the live connection to the controller feed, normalizes
// incoming payloads and fans samples out to subscribers.
type Stream struct {
	dial   dialFunc
	opts   Options
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
	opens     atomic.Uint64

	mu        sync.Mutex
	nextID    int
	subs      []subscriber
	stateSubs []stateSubscriber
	state     State
	conn      transport
	closed    bool
}

// Stats is a snapshot of stream counters.
type Stats struct {
	State      State
	Delivered  uint64
	Dropped    uint64
	Reconnects uint64
}

// New creates a stream for the controller at baseURL. No connection is
// made until EnsureConnected.
func New(baseURL string, opts Options) (*Stream, error) {
	opts.applyDefaults()
	var (
		dial dialFunc
		err  error
	)
	switch opts.Transport {
	case TransportSSE:
		dial, err = newSSEDial(baseURL)
	case TransportWS:
		dial, err = newWSDial(baseURL)
	default:
		return nil, fmt.Errorf("feed: unknown transport %q", opts.Transport)
	}
	if err != nil {
		return nil, err
	}
	return newStream(dial, opts), nil
}

func newStream(dial dialFunc, opts Options) *Stream {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		dial:   dial,
		opts:   opts,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		state:  StateDisconnected,
	}
	go s.manage(ctx)
	return s
}

// Subscribe registers fn for every sample that arrives from now on.
// Callbacks run on the connection's reader goroutine, one at a time,
// in arrival order. There is no replay of earlier samples.
func (s *Stream) Subscribe(fn func(model.Sample)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.subs = append(s.subs, subscriber{id: s.nextID, fn: fn})
	return s.nextID
}

// Unsubscribe stops deliveries for a Subscribe handle.
func (s *Stream) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

// SubscribeState registers fn for connection state changes.
func (s *Stream) SubscribeState(fn func(State)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.stateSubs = append(s.stateSubs, stateSubscriber{id: s.nextID, fn: fn})
	return s.nextID
}

// UnsubscribeState stops deliveries for a SubscribeState handle.
func (s *Stream) UnsubscribeState(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.stateSubs {
		if sub.id == id {
			s.stateSubs = append(s.stateSubs[:i], s.stateSubs[i+1:]...)
			return
		}
	}
}

// EnsureConnected makes sure a connection attempt is live. While the
// stream is connecting or open it does nothing, so repeated calls
// never open a second connection. After a failure it retries
// immediately instead of waiting out the current backoff.
func (s *Stream) EnsureConnected() {
	s.mu.Lock()
	closed, st := s.closed, s.state
	s.mu.Unlock()
	if closed || st == StateOpen || st == StateConnecting {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// State returns the current connection state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() Stats {
	opens := s.opens.Load()
	var reconnects uint64
	if opens > 0 {
		reconnects = opens - 1
	}
	return Stats{
		State:      s.State(),
		Delivered:  s.delivered.Load(),
		Dropped:    s.dropped.Load(),
		Reconnects: reconnects,
	}
}

// Close tears down the connection and stops the stream for good. It
// must not be called from inside a subscriber callback.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	<-s.done
	return err
}

func (s *Stream) manage(ctx context.Context) {
	defer close(s.done)
	defer s.transition(StateClosed)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		if ctx.Err() != nil {
			return
		}
		s.session(ctx)
	}
}

// session runs one connection lifetime, including backoff redials when
// reconnecting is on. It returns when the stream shuts down or when a
// failure occurs with reconnecting off.
func (s *Stream) session(ctx context.Context) {
	backoff := s.opts.MinBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		s.transition(StateConnecting)
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("feed: connect failed: %v", err)
			s.transition(StateError)
			s.transition(StateDisconnected)
			if !s.opts.Reconnect || !s.pause(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, s.opts.MaxBackoff)
			continue
		}
		if !s.storeConn(conn) {
			return
		}
		s.opens.Add(1)
		backoff = s.opts.MinBackoff
		s.transition(StateOpen)
		err = s.readFrom(conn)
		s.dropConn(conn)
		if ctx.Err() != nil {
			return
		}
		if closedCleanly(err) {
			log.Printf("feed: connection closed by controller")
			s.transition(StateClosed)
		} else {
			log.Printf("feed: connection lost: %v", err)
			s.transition(StateError)
		}
		s.transition(StateDisconnected)
		if !s.opts.Reconnect || !s.pause(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, s.opts.MaxBackoff)
	}
}

func (s *Stream) readFrom(conn transport) error {
	for {
		data, err := conn.Read()
		if err != nil {
			return err
		}
		s.consume(data)
	}
}

// consume normalizes one raw payload and fans it out. Empty frames
// carry nothing and are ignored under every parse policy.
func (s *Stream) consume(data []byte) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return
	}
	sample, err := model.ParseSample(trimmed)
	if err != nil {
		s.dropped.Add(1)
		switch {
		case s.opts.ParsePolicy == ParseDrop:
		case s.opts.ParsePolicy == ParsePropagate && s.opts.OnParseError != nil:
			s.opts.OnParseError(err)
		default:
			log.Printf("feed: drop sample: %v", err)
		}
		return
	}
	s.delivered.Add(1)
	s.deliver(sample)
}

func (s *Stream) deliver(sample model.Sample) {
	s.mu.Lock()
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fn(sample)
	}
}

func (s *Stream) transition(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	subs := make([]stateSubscriber, len(s.stateSubs))
	copy(subs, s.stateSubs)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fn(st)
	}
}

// storeConn publishes the live connection so Close can reach it. When
// the stream closed during the dial the connection is discarded.
func (s *Stream) storeConn(conn transport) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return false
	}
	s.conn = conn
	s.mu.Unlock()
	return true
}

func (s *Stream) dropConn(conn transport) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
}

// pause waits out a reconnect delay. EnsureConnected cuts it short.
func (s *Stream) pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(withJitter(d))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.wake:
		return true
	case <-t.C:
		return true
	}
}

func withJitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int64N(int64(half)))
}

func nextBackoff(d, ceil time.Duration) time.Duration {
	d *= 2
	if d > ceil {
		return ceil
	}
	return d
}
