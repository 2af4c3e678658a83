package httpapi

import (
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
)

func TestRelayHeartbeatPingsAndStops(t *testing.T) {
	registry := newRelayRegistry()
	client, server := net.Pipe()
	defer client.Close()

	c := &relayConn{
		id:             "conn-1",
		userID:         "alice",
		conversationID: "conv-1",
		conn:           server,
		createdAt:      time.Now(),
		lastSeen:       time.Now(),
	}
	registry.add(c)
	defer registry.remove(c.id)

	stop := startRelayHeartbeat(registry, relayHeartbeat{
		Interval: 20 * time.Millisecond,
		Timeout:  time.Hour, // keep idle eviction out of this test
	})

	if err := client.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	header, err := ws.ReadHeader(client)
	if err != nil {
		t.Fatalf("read ping: %v", err)
	}
	if header.OpCode != ws.OpPing {
		t.Fatalf("opcode = %v, want ping", header.OpCode)
	}

	stop()
	stop() // repeat is a no-op

	// One ping may already be in flight on the synchronous pipe; after it
	// flushes the wire goes quiet because the ticker goroutine exited.
	quiet := false
	for i := 0; i < 3; i++ {
		if err := client.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			t.Fatalf("set deadline: %v", err)
		}
		if _, err := ws.ReadHeader(client); err != nil {
			quiet = true
			break
		}
	}
	if !quiet {
		t.Fatalf("pings kept arriving after stop")
	}
}
