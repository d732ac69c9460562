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

// Package metrics provides Prometheus metrics for the application.
package metrics

import (
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesSentTotal is a counter for the total number of telemetry messages submitted.
	MessagesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iot_simulator_messages_sent_total",
		Help: "The total number of telemetry messages submitted for delivery.",
	})

	// DeliveryResultsTotal counts delivery confirmations by result code.
	DeliveryResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iot_simulator_delivery_results_total",
		Help: "The total number of delivery confirmations, partitioned by result.",
	},
		[]string{"result"},
	)

	// ConsecutiveSendErrors mirrors the current consecutive failure count.
	ConsecutiveSendErrors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iot_simulator_consecutive_send_errors",
		Help: "The number of consecutive non-OK delivery results since the last OK.",
	})

	// LastTemperature is the temperature of the most recent reading.
	LastTemperature = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iot_simulator_last_temperature",
		Help: "The temperature of the most recently generated reading.",
	})

	// ConnectionsTotal is a counter for the total number of successful connections to the hub.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iot_simulator_connections_total",
		Help: "The total number of successful connections made to the hub.",
	})

	// ConnectionLostTotal is a counter for the total number of dropped connections.
	ConnectionLostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iot_simulator_connection_lost_total",
		Help: "The total number of times the connection to the hub was lost.",
	})
)

// Handler returns the HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Logger is the logging capability the metrics server needs.
type Logger interface {
	Printf(format string, v ...any)
}

// Serve exposes /metrics plus any extra routes registered on mux on an
// already bound listener. A nil mux uses a fresh one. Serve blocks until the
// listener fails or is closed; failures are logged, never fatal.
func Serve(listener net.Listener, mux *http.ServeMux, log Logger) {
	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.Handle("/metrics", Handler())
	log.Printf("Metrics server listening on %s", listener.Addr())
	if err := http.Serve(listener, mux); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("Metrics server stopped: %v", err)
	}
}
