package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestFeedDeliversPulses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept failed: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		for _, p := range []Pulse{
			{Table: "transactions", ID: "t-1"},
			{Table: "wallets", ID: "w-1"},
		} {
			data, _ := json.Marshal(p)
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
		<-ctx.Done()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	feed, err := NewFeed(FeedConfig{URL: wsURL, ReconnectBase: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewFeed failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pulses := make(chan Pulse, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = feed.Run(ctx, func(p Pulse) { pulses <- p })
	}()

	var got []Pulse
	for len(got) < 2 {
		select {
		case p := <-pulses:
			got = append(got, p)
		case <-ctx.Done():
			t.Fatalf("timed out, received %v", got)
		}
	}
	if got[0].Table != "transactions" || got[0].ID != "t-1" {
		t.Errorf("unexpected first pulse: %+v", got[0])
	}
	if got[1].Table != "wallets" {
		t.Errorf("unexpected second pulse: %+v", got[1])
	}

	cancel()
	<-done
}

func TestFeedReconnects(t *testing.T) {
	var dials int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials++
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if dials == 1 {
			// Drop the first connection immediately.
			conn.Close(websocket.StatusInternalError, "going away")
			return
		}
		data, _ := json.Marshal(Pulse{Table: "budgets", ID: "b-1"})
		_ = conn.Write(r.Context(), websocket.MessageText, data)
		<-r.Context().Done()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	feed, err := NewFeed(FeedConfig{URL: wsURL, ReconnectBase: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewFeed failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pulses := make(chan Pulse, 1)
	go func() { _ = feed.Run(ctx, func(p Pulse) { pulses <- p }) }()

	select {
	case p := <-pulses:
		if p.Table != "budgets" {
			t.Errorf("unexpected pulse: %+v", p)
		}
	case <-ctx.Done():
		t.Fatal("feed never recovered from the dropped connection")
	}
	if dials < 2 {
		t.Errorf("expected a reconnect, saw %d dials", dials)
	}
}
