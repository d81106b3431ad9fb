package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/naarscars/chatsync/internal/bus"
	"github.com/naarscars/chatsync/internal/status"
	"go.uber.org/zap"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamCatchesUpThenDeliversEvents(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		// One malformed event, then a valid insert.
		_ = c.Write(ctx, websocket.MessageText, []byte(`{broken`))
		_ = c.Write(ctx, websocket.MessageText,
			[]byte(`{"event_type":"insert","conversation_id":"c1","message_id":"m1","sender_id":"u2","timestamp":1000,"body":"hi"}`))
		<-done
		c.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()
	defer close(done)

	b := bus.New()
	machine := status.NewMachine(b)
	var caughtUp atomic.Int32
	catchUp := func(ctx context.Context) error {
		caughtUp.Add(1)
		return nil
	}

	ch, unsub := b.Subscribe("remote.", 10)
	defer unsub()

	s := NewStream(Options{URL: wsURL(srv), Token: "tok", BaseBackoff: 10 * time.Millisecond},
		machine, b, catchUp, zap.NewNop())
	s.Start(context.Background())
	defer s.Stop()

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindRemoteInsert {
			t.Errorf("kind = %q, want %q", evt.Kind, bus.KindRemoteInsert)
		}
		ev, ok := evt.Payload.(*ChangeEvent)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if ev.MessageID != "m1" || !ev.HasBody {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event; malformed event may have halted the stream")
	}

	if caughtUp.Load() == 0 {
		t.Error("catch-up was not performed before going live")
	}
	if !machine.IsLive() {
		t.Errorf("state = %s, want LIVE", machine.Current())
	}
}

func TestStreamReconnectsAfterDrop(t *testing.T) {
	var accepts atomic.Int32
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if accepts.Add(1) == 1 {
			// Simulate a dropped connection.
			c.Close(websocket.StatusInternalError, "drop")
			return
		}
		<-done
		c.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()
	defer close(done)

	b := bus.New()
	machine := status.NewMachine(b)
	var catchUps atomic.Int32
	catchUp := func(ctx context.Context) error {
		catchUps.Add(1)
		return nil
	}

	s := NewStream(Options{URL: wsURL(srv), Token: "tok", BaseBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond},
		machine, b, catchUp, zap.NewNop())
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.After(3 * time.Second)
	for catchUps.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("catch-up ran %d times, want one per (re)connection", catchUps.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
