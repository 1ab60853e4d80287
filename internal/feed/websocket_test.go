package feed

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"brewctl/internal/model"
)

func TestWS_StreamsSamples(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/sample", func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"time":1,"heater":1}`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"time":2,"heater":"off"}`))
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s, err := New(srv.URL, Options{Transport: TransportWS, MinBackoff: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	got := make(chan model.Sample, 8)
	s.Subscribe(func(smp model.Sample) { got <- smp })
	states := make(chan State, 16)
	s.SubscribeState(func(st State) { states <- st })
	s.EnsureConnected()

	first := recvSample(t, got)
	if first.Time != 1 || first.Heater != 1 {
		t.Fatalf("first=%+v", first)
	}
	second := recvSample(t, got)
	if second.Time != 2 || second.Heater != 0 {
		t.Fatalf("second=%+v", second)
	}

	// The normal closure counts as an orderly close, not a fault.
	waitState(t, states, StateClosed)
}

func TestWSTarget_Rewrite(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"http://host:8097", "ws://host:8097/ws/sample"},
		{"https://host", "wss://host/ws/sample"},
		{"ws://host/base/", "ws://host/base/ws/sample"},
	}
	for _, tc := range tests {
		got, err := wsTarget(tc.in)
		if err != nil {
			t.Fatalf("wsTarget(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("wsTarget(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
	if _, err := wsTarget("ftp://host"); err == nil {
		t.Fatalf("expected scheme error")
	}
}
