// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

package proto

import (
	"net"
	"testing"
)

func TestSendRecvRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := NewCodec(server)
	cc := NewCodec(client)

	want := &Envelope{
		Kind:       KindMigrateReq,
		SessionKey: 42,
		Payload:    MigrateReq{Pools: []string{"p1", "p2"}},
	}

	done := make(chan error, 1)
	go func() { done <- sc.Send(want) }()

	got, err := cc.Recv()
	if err != nil {
		t.Fatalf("Recv: %s", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %s", err)
	}

	if got.Kind != want.Kind || got.SessionKey != want.SessionKey {
		t.Fatalf("expected kind=%v sessionKey=%d, got kind=%v sessionKey=%d",
			want.Kind, want.SessionKey, got.Kind, got.SessionKey)
	}
	payload, ok := got.Payload.(MigrateReq)
	if !ok {
		t.Fatalf("expected MigrateReq payload, got %T", got.Payload)
	}
	if len(payload.Pools) != 2 || payload.Pools[0] != "p1" || payload.Pools[1] != "p2" {
		t.Fatalf("unexpected pools: %v", payload.Pools)
	}
}

func TestRecvSurfacesConnectionClose(t *testing.T) {
	server, client := net.Pipe()
	cc := NewCodec(client)
	server.Close()
	client.Close()

	if _, err := cc.Recv(); err == nil {
		t.Fatal("expected Recv to fail on a closed connection")
	}
}
