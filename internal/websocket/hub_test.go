// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package websocket

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/models"
)

//nolint:gochecknoinits // init keeps test output quiet
func init() {
	logging.Init(logging.Config{Level: "error", Format: "console", Output: io.Discard})
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	})
	return hub
}

func fakeClient(hub *Hub, buffer int) *Client {
	return &Client{id: clientIDCounter.Add(1), hub: hub, send: make(chan Message, buffer)}
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestHub_WriteBroadcastsViolation(t *testing.T) {
	hub := startHub(t)
	a, b := fakeClient(hub, 4), fakeClient(hub, 4)
	hub.Register(a)
	hub.Register(b)

	ev := models.ViolationEvent{Type: models.ViolationTorrent, Username: "bob", RemoteIP: "10.0.0.5"}
	if err := hub.Write(context.Background(), ev); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	for _, c := range []*Client{a, b} {
		msg := receive(t, c)
		if msg.Type != MessageTypeViolation {
			t.Errorf("Type = %q, want %q", msg.Type, MessageTypeViolation)
		}
		got, ok := msg.Data.(models.ViolationEvent)
		if !ok || got.Username != "bob" {
			t.Errorf("Data = %#v", msg.Data)
		}
	}
}

func TestHub_RecordBan(t *testing.T) {
	hub := startHub(t)
	c := fakeClient(hub, 4)
	hub.Register(c)

	req := models.BanRequest{ID: "r1", Action: models.BanActionBan, IPAddress: "10.0.0.5"}
	hub.RecordBan(context.Background(), req, nil, errors.New("panel down"))

	msg := receive(t, c)
	data, ok := msg.Data.(EnforcementData)
	if msg.Type != MessageTypeEnforcement || !ok {
		t.Fatalf("message = %#v", msg)
	}
	if data.Success || data.Error != "panel down" || data.RequestID != "r1" {
		t.Errorf("data = %+v", data)
	}
}

func TestHub_SlowClientDropped(t *testing.T) {
	hub := startHub(t)
	slow := fakeClient(hub, 1)
	hub.Register(slow)

	hub.BroadcastJSON("x", 1)
	hub.BroadcastJSON("x", 2)

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow client was not removed")
		}
		time.Sleep(time.Millisecond)
	}
	// the buffered message is still readable, then the channel is closed
	<-slow.send
	if _, ok := <-slow.send; ok {
		t.Error("send channel still open")
	}
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	hub := NewHub()
	c := fakeClient(hub, 1)
	hub.Register(c)
	hub.unregister(c)
	hub.unregister(c)
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d", hub.ClientCount())
	}
}

func TestHub_BroadcastQueueFull(t *testing.T) {
	hub := NewHub()
	for i := 0; i < cap(hub.broadcast)+3; i++ {
		hub.BroadcastJSON("x", i)
	}
	if hub.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", hub.Dropped())
	}
}

func TestHub_ServeClosesClients(t *testing.T) {
	hub := NewHub()
	c := fakeClient(hub, 1)
	hub.Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := hub.Serve(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve() = %v", err)
	}
	if _, ok := <-c.send; ok {
		t.Error("client channel not closed")
	}
	if hub.String() != "websocket-hub" {
		t.Errorf("String() = %q", hub.String())
	}
}

func TestClient_EndToEnd(t *testing.T) {
	hub := startHub(t)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(hub, conn)
		hub.Register(c)
		c.Start()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatal(err)
	}
	var pong map[string]interface{}
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if pong["type"] != MessageTypePong {
		t.Errorf("got %v, want pong", pong)
	}

	_ = hub.Write(context.Background(), models.ViolationEvent{Type: models.ViolationTorrent, RemoteIP: "10.0.0.5"})
	var got struct {
		Type string                `json:"type"`
		Data models.ViolationEvent `json:"data"`
	}
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if got.Type != MessageTypeViolation || got.Data.RemoteIP != "10.0.0.5" {
		t.Errorf("got %+v", got)
	}
}
