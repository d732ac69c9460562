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

// Package simulator drives the telemetry publish loop: one reading per
// interval, submitted asynchronously, with delivery results feeding a
// consecutive-failure breaker that aborts the process when tripped.
package simulator

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/iot-simulator/pkg/breaker"
	"github.com/turtacn/iot-simulator/pkg/iothub"
	"github.com/turtacn/iot-simulator/pkg/metrics"
	"github.com/turtacn/iot-simulator/pkg/telemetry"
)

// ErrThresholdExceeded is returned by Run after the breaker trips, when the
// abort hook did not terminate the process.
var ErrThresholdExceeded = errors.New("maximum consecutive send error count exceeded")

// Publisher submits a payload for asynchronous delivery. onComplete must be
// invoked exactly once per call.
type Publisher interface {
	PublishAsync(payload []byte, onComplete func(iothub.Result))
}

// Logger is the logging capability the loop needs.
type Logger interface {
	Printf(format string, v ...any)
}

// Options configure a Loop. Publisher, Generator and Breaker are required.
type Options struct {
	Publisher Publisher
	Generator *telemetry.Generator
	Breaker   *breaker.Breaker
	Interval  time.Duration
	Logger    Logger
	// Abort runs once when the breaker trips. The default exits the
	// process with status 1.
	Abort func()
}

// Loop is the telemetry publisher loop.
type Loop struct {
	opts Options

	cycles    atomic.Int64
	abortOnce sync.Once
	tripped   chan struct{}
}

// New creates a loop.
func New(opts Options) *Loop {
	if opts.Abort == nil {
		opts.Abort = func() { os.Exit(1) }
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger{}
	}
	return &Loop{
		opts:    opts,
		tripped: make(chan struct{}),
	}
}

// Run publishes until ctx is done or the breaker trips. It returns
// ctx.Err() or ErrThresholdExceeded.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := l.stopped(ctx); err != nil {
			return err
		}
		delivered := l.cycle()
		if err := l.sleep(ctx, delivered); err != nil {
			return err
		}
	}
}

// RunCycle builds, logs and submits one reading without waiting for its
// delivery result.
func (l *Loop) RunCycle() {
	l.cycle()
}

// cycle submits one reading. The returned channel is closed once its
// delivery result has been recorded.
func (l *Loop) cycle() <-chan struct{} {
	reading := l.opts.Generator.Next()
	payload := reading.Payload()

	l.opts.Logger.Printf("Sending message: %s", payload)
	l.cycles.Add(1)
	metrics.MessagesSentTotal.Inc()
	metrics.LastTemperature.Set(reading.Temperature)

	delivered := make(chan struct{})
	l.opts.Publisher.PublishAsync(payload, func(result iothub.Result) {
		l.onComplete(result)
		close(delivered)
	})
	return delivered
}

// onComplete is the delivery callback. It runs on the publisher's
// goroutines, concurrently with Run.
func (l *Loop) onComplete(result iothub.Result) {
	count, tripped := l.opts.Breaker.Record(result.OK())

	metrics.DeliveryResultsTotal.WithLabelValues(result.String()).Inc()
	metrics.ConsecutiveSendErrors.Set(float64(count))

	if result.OK() {
		l.opts.Logger.Printf("IoT Hub responded to message with status: %s", result)
	} else {
		l.opts.Logger.Printf("IoT Hub responded with error status: %s. Current error count is %d.", result, count)
	}

	if tripped {
		l.abortOnce.Do(func() {
			l.opts.Logger.Printf("Maximum consecutive send error count (%d) exceeded. Program will now exit.", l.opts.Breaker.Max())
			close(l.tripped)
			l.opts.Abort()
		})
	}
}

func (l *Loop) stopped(ctx context.Context) error {
	select {
	case <-l.tripped:
		return ErrThresholdExceeded
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// sleep waits out the interval. Without an interval it waits for the
// previous delivery result instead, so at most one publish is in flight.
func (l *Loop) sleep(ctx context.Context, delivered <-chan struct{}) error {
	if l.opts.Interval <= 0 {
		select {
		case <-delivered:
			return l.stopped(ctx)
		case <-l.tripped:
			return ErrThresholdExceeded
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	timer := time.NewTimer(l.opts.Interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-l.tripped:
		return ErrThresholdExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cycles returns the number of readings submitted so far.
func (l *Loop) Cycles() int64 {
	return l.cycles.Load()
}

// Failures returns the current consecutive failure count.
func (l *Loop) Failures() int {
	return l.opts.Breaker.Count()
}

// Tripped reports whether the failure threshold has been exceeded.
func (l *Loop) Tripped() bool {
	select {
	case <-l.tripped:
		return true
	default:
		return false
	}
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}
