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

package iothub

import (
	"fmt"
	"strings"
)

// Transport selects how the MQTT session reaches the hub.
type Transport string

const (
	// TransportMQTT is MQTT over TLS on port 8883.
	TransportMQTT Transport = "mqtt"
	// TransportMQTTWebSocket is MQTT over secure WebSockets on port 443.
	TransportMQTTWebSocket Transport = "mqtt_ws"
)

// ParseTransport maps a configuration value to a Transport. Empty selects
// TransportMQTT.
func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(TransportMQTT):
		return TransportMQTT, nil
	case string(TransportMQTTWebSocket), "mqtt-ws", "mqttws":
		return TransportMQTTWebSocket, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedTransport, s)
	}
}

// BrokerURL returns the broker address for host over this transport.
func (t Transport) BrokerURL(host string) string {
	if t == TransportMQTTWebSocket {
		return "wss://" + host + ":443/$iothub/websocket"
	}
	return "ssl://" + host + ":8883"
}
