package gateway

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gobwas/ws"
)

func TestCheckConnectionsEvictsIdle(t *testing.T) {
	s := NewServer(DefaultServerConfig(), Deps{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	stale, _ := pipeConn(t, "stale", "u1")
	stale.lastActive.Store(time.Now().Add(-time.Hour).UnixNano())
	fresh, client := pipeConn(t, "fresh", "u2")
	fresh.touch()
	s.conns.Add(stale)
	s.conns.Add(fresh)

	pinged := make(chan ws.OpCode, 1)
	go func() {
		f, err := ws.ReadFrame(client)
		if err == nil {
			pinged <- f.Header.OpCode
		}
	}()

	checkConnections(s, HeartbeatConfig{Interval: time.Second, Timeout: time.Second})

	if s.conns.Get("stale") != nil {
		t.Error("idle connection should have been evicted")
	}
	if s.conns.Get("fresh") == nil {
		t.Fatal("active connection should be kept")
	}
	if op := <-pinged; op != ws.OpPing {
		t.Errorf("expected ping frame, got opcode %v", op)
	}
	if stale.ctx.Err() == nil {
		t.Error("evicted connection context should be cancelled")
	}
}
