package dashboard

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ledgersync/ledgersync/internal/syncer"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(&Config{Port: 0})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	return msg
}

func TestStatusBroadcast(t *testing.T) {
	s := startServer(t)
	conn := dial(t, s)

	deadline := time.After(5 * time.Second)
	for s.ClientCount() < 1 {
		select {
		case <-deadline:
			t.Fatal("client never registered")
		case <-time.After(time.Millisecond):
		}
	}

	s.BroadcastStatus(syncer.Status{State: syncer.StatePushing, IsOnline: true, PendingCount: 4})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("expected status message, got %s", msg.Type)
	}
	var status syncer.Status
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if status.State != syncer.StatePushing || status.PendingCount != 4 {
		t.Errorf("unexpected status payload: %+v", status)
	}
}

func TestNewClientReceivesLatestStatus(t *testing.T) {
	s := startServer(t)

	// Status published before anyone connects.
	s.BroadcastStatus(syncer.Status{State: syncer.StateIdle, IsInitialized: true})

	conn := dial(t, s)
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("expected welcome status, got %s", msg.Type)
	}
	var status syncer.Status
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if status.State != syncer.StateIdle || !status.IsInitialized {
		t.Errorf("welcome snapshot stale: %+v", status)
	}
}

func TestChangeBroadcastToMultipleClients(t *testing.T) {
	s := startServer(t)
	a := dial(t, s)
	b := dial(t, s)

	// Wait until both registrations land.
	deadline := time.After(5 * time.Second)
	for s.ClientCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("clients never registered")
		case <-time.After(time.Millisecond):
		}
	}

	s.BroadcastChange(ChangeData{Table: "transactions", ID: "t1", Operation: "INSERT", Origin: "local"})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		if msg.Type != MessageTypeChange {
			t.Fatalf("expected change message, got %s", msg.Type)
		}
		var change ChangeData
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			t.Fatalf("failed to decode change: %v", err)
		}
		if change.Table != "transactions" || change.ID != "t1" || change.Origin != "local" {
			t.Errorf("unexpected change payload: %+v", change)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := startServer(t)
	dial(t, s)

	deadline := time.After(5 * time.Second)
	for s.ClientCount() < 1 {
		select {
		case <-deadline:
			t.Fatal("client never registered")
		case <-time.After(time.Millisecond):
		}
	}
	if got := s.ClientCount(); got != 1 {
		t.Errorf("expected 1 client, got %d", got)
	}
}
