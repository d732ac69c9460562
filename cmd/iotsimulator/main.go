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

// Package main is the entrypoint for the IoT telemetry simulator.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/turtacn/iot-simulator/pkg/breaker"
	"github.com/turtacn/iot-simulator/pkg/config"
	"github.com/turtacn/iot-simulator/pkg/iothub"
	"github.com/turtacn/iot-simulator/pkg/logger"
	"github.com/turtacn/iot-simulator/pkg/metrics"
	"github.com/turtacn/iot-simulator/pkg/monitor"
	"github.com/turtacn/iot-simulator/pkg/simulator"
	"github.com/turtacn/iot-simulator/pkg/telemetry"
	simtls "github.com/turtacn/iot-simulator/pkg/tls"
)

const certExpiryWarning = 7 * 24 * time.Hour

func main() {
	log := logger.Default()

	cfg, err := config.FromEnvironment()
	if errors.Is(err, config.ErrMissingConnectionString) {
		log.Fatalf("Required environment variable '%s' is not set. Application will exit.", config.EnvConnectionString)
	}
	if err != nil {
		log.Fatalf("%v. Application will exit.", err)
	}

	log.Printf("Connection string is %s", iothub.Redact(cfg.ConnectionString))

	cs, err := iothub.ParseConnectionString(cfg.ConnectionString)
	if err != nil {
		log.Fatalf("%v. Application will exit.", err)
	}
	transport, err := iothub.ParseTransport(cfg.Transport)
	if err != nil {
		log.Fatalf("%v. Application will exit.", err)
	}
	if cs.X509 && cfg.CertFile == "" {
		log.Fatalf("Connection string requires a device certificate but '%s' is not set. Application will exit.", config.EnvCertFile)
	}

	tlsConfig, err := simtls.NewClientConfig(simtls.ClientOptions{
		CAFile:   cfg.CAFile,
		CertFile: cfg.CertFile,
		KeyFile:  cfg.KeyFile,
	})
	if err != nil {
		log.Fatalf("%v. Application will exit.", err)
	}
	if cfg.CertFile != "" {
		logCertificate(log, cfg.CertFile)
	}

	var metricsListener net.Listener
	if cfg.MetricsAddr != "" {
		metricsListener, err = net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			log.Fatalf("Cannot listen on %s=%s: %v. Application will exit.", config.EnvMetricsAddr, cfg.MetricsAddr, err)
		}
		defer metricsListener.Close()
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = cs.DeviceID
	}

	client, err := iothub.NewClient(cs, iothub.Options{
		Transport:      transport,
		BrokerURL:      cfg.BrokerURL,
		TLSConfig:      tlsConfig,
		AckTimeout:     cfg.AckTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		TokenTTL:       cfg.TokenTTL,
		Logger:         log,
	})
	if err != nil {
		log.Fatalf("%v. Application will exit.", err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancelConnect := context.WithTimeout(ctx, cfg.ConnectTimeout)
	if err := client.Connect(connectCtx); err != nil {
		log.Printf("Initial connection failed: %v. Sends are counted as errors until the connection is up.", err)
	}
	cancelConnect()

	failures := breaker.New(cfg.MaxSendErrors)
	if metricsListener != nil {
		go metrics.Serve(metricsListener, healthRoutes(hostname, client, failures), log)
	}

	generator := telemetry.NewGenerator(hostname, telemetry.NewRange(cfg.TempMin, cfg.TempMax))
	loop := simulator.New(simulator.Options{
		Publisher: client,
		Generator: generator,
		Breaker:   failures,
		Interval:  cfg.SendInterval,
		Logger:    log,
		Abort:     func() { os.Exit(1) },
	})

	r := generator.Range()
	log.Printf("Device %s sending telemetry to %s every %s (temperature %.2f..%.2f, max consecutive send errors %d)",
		hostname, client.Broker(), cfg.SendInterval, r.Min, r.Max, cfg.MaxSendErrors)

	if err := loop.Run(ctx); errors.Is(err, context.Canceled) {
		log.Printf("Shutdown signal received. Sent %d messages.", loop.Cycles())
	}
}

func healthRoutes(device string, client *iothub.Client, failures *breaker.Breaker) *http.ServeMux {
	checker := monitor.NewHealthChecker(device)
	checker.RegisterCheck("mqtt_connection", func() error {
		if !client.IsConnected() {
			return errors.New("not connected to " + client.Broker())
		}
		return nil
	}, true)
	checker.RegisterCheck("send_errors", func() error {
		if n := failures.Count(); n > 0 {
			return fmt.Errorf("%d consecutive send errors (max %d)", n, failures.Max())
		}
		return nil
	}, false)

	mux := http.NewServeMux()
	monitor.NewHealthServer(checker).RegisterRoutes(mux)
	return mux
}

func logCertificate(log *logger.Logger, path string) {
	info, err := simtls.DescribeFile(path)
	if err != nil {
		log.Printf("Could not inspect device certificate: %v", err)
		return
	}
	now := time.Now()
	log.Printf("Device certificate %s (fingerprint %s) valid until %s",
		info.Subject, info.Fingerprint, info.NotAfter.UTC().Format(time.RFC3339))
	switch {
	case info.Expired(now):
		log.Printf("Device certificate is outside its validity period")
	case info.ExpiresWithin(now, certExpiryWarning):
		log.Printf("Device certificate expires within %s", certExpiryWarning)
	}
}
