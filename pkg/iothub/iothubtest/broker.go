// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package iothubtest runs an embedded MQTT broker for tests that exercise the
// iothub client end to end.
package iothubtest

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

// Message is a publish observed by the broker.
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Connect is a CONNECT observed by the broker.
type Connect struct {
	ClientID string
	Username string
	Password string
}

// Broker is an in-process MQTT broker recording connects and publishes.
type Broker struct {
	URL string

	server *mqtt.Server
	hook   *recordingHook
}

// StartBroker starts a broker on a free loopback port and stops it when the
// test ends.
func StartBroker(tb testing.TB) *Broker {
	tb.Helper()

	server := mqtt.New(&mqtt.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	hook := &recordingHook{allow: true}
	if err := server.AddHook(hook, nil); err != nil {
		tb.Fatalf("add hook: %v", err)
	}

	addr := freeAddr(tb)
	tcp := listeners.NewTCP(listeners.Config{ID: "t1", Address: addr})
	if err := server.AddListener(tcp); err != nil {
		tb.Fatalf("add listener: %v", err)
	}

	if err := server.Serve(); err != nil {
		tb.Fatalf("serve: %v", err)
	}
	tb.Cleanup(func() { _ = server.Close() })

	return &Broker{URL: "tcp://" + addr, server: server, hook: hook}
}

func freeAddr(tb testing.TB) string {
	tb.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().String()
}

// RejectConnections makes the broker refuse new sessions.
func (b *Broker) RejectConnections() {
	b.hook.mu.Lock()
	defer b.hook.mu.Unlock()
	b.hook.allow = false
}

// DisconnectClient drops the session of clientID, if present.
func (b *Broker) DisconnectClient(clientID string) bool {
	cl, ok := b.server.Clients.Get(clientID)
	if !ok {
		return false
	}
	cl.Stop(packets.ErrServerShuttingDown)
	return true
}

// Messages returns a copy of the publishes seen so far.
func (b *Broker) Messages() []Message {
	b.hook.mu.Lock()
	defer b.hook.mu.Unlock()
	out := make([]Message, len(b.hook.messages))
	copy(out, b.hook.messages)
	return out
}

// Connects returns a copy of the accepted CONNECT packets seen so far.
func (b *Broker) Connects() []Connect {
	b.hook.mu.Lock()
	defer b.hook.mu.Unlock()
	out := make([]Connect, len(b.hook.connects))
	copy(out, b.hook.connects)
	return out
}

// WaitForMessages blocks until at least n publishes arrived or timeout
// elapses, and returns what was seen.
func (b *Broker) WaitForMessages(n int, timeout time.Duration) []Message {
	deadline := time.Now().Add(timeout)
	for {
		msgs := b.Messages()
		if len(msgs) >= n || time.Now().After(deadline) {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type recordingHook struct {
	mqtt.HookBase

	mu       sync.Mutex
	allow    bool
	connects []Connect
	messages []Message
}

func (h *recordingHook) ID() string {
	return "recording"
}

func (h *recordingHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnPublished,
	}, []byte{b})
}

func (h *recordingHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.allow {
		return false
	}
	h.connects = append(h.connects, Connect{
		ClientID: cl.ID,
		Username: string(pk.Connect.Username),
		Password: string(pk.Connect.Password),
	})
	return true
}

func (h *recordingHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	return true
}

func (h *recordingHook) OnPublished(cl *mqtt.Client, pk packets.Packet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	payload := make([]byte, len(pk.Payload))
	copy(payload, pk.Payload)
	h.messages = append(h.messages, Message{
		ClientID: cl.ID,
		Topic:    pk.TopicName,
		Payload:  payload,
	})
}
