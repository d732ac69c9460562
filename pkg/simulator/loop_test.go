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

package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/iot-simulator/pkg/breaker"
	"github.com/turtacn/iot-simulator/pkg/iothub"
	"github.com/turtacn/iot-simulator/pkg/logger"
	"github.com/turtacn/iot-simulator/pkg/telemetry"
)

// fakePublisher completes every publish with the result chosen by next.
type fakePublisher struct {
	mu       sync.Mutex
	payloads [][]byte
	next     func(n int) iothub.Result
	async    bool
	// afterPublish runs after the callback has been scheduled.
	afterPublish func(n int)
	wg           sync.WaitGroup
}

func (f *fakePublisher) PublishAsync(payload []byte, onComplete func(iothub.Result)) {
	f.mu.Lock()
	f.payloads = append(f.payloads, payload)
	n := len(f.payloads)
	f.mu.Unlock()

	result := f.next(n)
	if f.async {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			onComplete(result)
		}()
	} else {
		onComplete(result)
	}
	if f.afterPublish != nil {
		f.afterPublish(n)
	}
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func always(r iothub.Result) func(int) iothub.Result {
	return func(int) iothub.Result { return r }
}

type abortRecorder struct {
	mu    sync.Mutex
	calls int
}

func (a *abortRecorder) abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
}

func (a *abortRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func newLoop(pub Publisher, max int, interval time.Duration, abort func(), log Logger) *Loop {
	return New(Options{
		Publisher: pub,
		Generator: telemetry.NewGenerator("sim-host", telemetry.NewRange(95, 90)),
		Breaker:   breaker.New(max),
		Interval:  interval,
		Logger:    log,
		Abort:     abort,
	})
}

func TestLoop_AlwaysOKRunsUntilCancelled(t *testing.T) {
	const cycles = 50
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := &fakePublisher{next: always(iothub.ResultOK)}
	pub.afterPublish = func(n int) {
		if n == cycles {
			cancel()
		}
	}
	aborts := &abortRecorder{}
	loop := newLoop(pub, 1, 0, aborts.abort, nil)

	err := loop.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, cycles, pub.count())
	assert.EqualValues(t, cycles, loop.Cycles())
	assert.Equal(t, 0, loop.Failures())
	assert.False(t, loop.Tripped())
	assert.Equal(t, 0, aborts.count())
}

func TestLoop_AlwaysFailingAbortsAfterTwoPublishes(t *testing.T) {
	pub := &fakePublisher{next: always(iothub.ResultError)}
	aborts := &abortRecorder{}
	loop := newLoop(pub, 1, 0, aborts.abort, nil)

	err := loop.Run(context.Background())
	assert.ErrorIs(t, err, ErrThresholdExceeded)
	assert.LessOrEqual(t, pub.count(), 2)
	assert.Equal(t, 2, pub.count())
	assert.Equal(t, 1, aborts.count())
	assert.True(t, loop.Tripped())
}

func TestLoop_ZeroIntervalWaitsForAsyncResult(t *testing.T) {
	for i := 0; i < 50; i++ {
		pub := &fakePublisher{next: always(iothub.ResultNotConnected), async: true}
		aborts := &abortRecorder{}
		loop := newLoop(pub, 1, 0, aborts.abort, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := loop.Run(ctx)
		cancel()
		pub.wg.Wait()

		require.ErrorIs(t, err, ErrThresholdExceeded, "run %d", i)
		require.Equal(t, 2, pub.count(), "run %d", i)
		require.Equal(t, 1, aborts.count(), "run %d", i)
	}
}

func TestLoop_ZeroIntervalStopsWhileWaiting(t *testing.T) {
	// The result never arrives; cancellation still ends the run.
	pub := &hangingPublisher{}
	loop := newLoop(pub, 1, 0, func() {}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, 1, pub.count())
}

// hangingPublisher accepts publishes and never completes them.
type hangingPublisher struct {
	mu sync.Mutex
	n  int
}

func (h *hangingPublisher) PublishAsync([]byte, func(iothub.Result)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.n++
}

func (h *hangingPublisher) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

func TestLoop_TripsOnThirdFailureWithMaxTwo(t *testing.T) {
	pub := &fakePublisher{next: always(iothub.ResultMessageTimeout)}
	aborts := &abortRecorder{}
	loop := newLoop(pub, 2, 0, aborts.abort, nil)

	loop.RunCycle()
	loop.RunCycle()
	assert.Equal(t, 2, loop.Failures())
	assert.False(t, loop.Tripped())
	assert.Equal(t, 0, aborts.count())

	loop.RunCycle()
	assert.Equal(t, 3, loop.Failures())
	assert.True(t, loop.Tripped())
	assert.Equal(t, 1, aborts.count())

	// Further failures do not abort twice.
	loop.RunCycle()
	assert.Equal(t, 1, aborts.count())
}

func TestLoop_OKResetsCounter(t *testing.T) {
	// fail, fail, ok, fail, fail, ok ... never exceeds 2.
	pub := &fakePublisher{next: func(n int) iothub.Result {
		if n%3 == 0 {
			return iothub.ResultOK
		}
		return iothub.ResultError
	}}
	aborts := &abortRecorder{}
	loop := newLoop(pub, 2, 0, aborts.abort, nil)

	for i := 1; i <= 30; i++ {
		loop.RunCycle()
		if i%3 == 0 {
			assert.Equal(t, 0, loop.Failures(), "cycle %d", i)
		} else {
			assert.Equal(t, i%3, loop.Failures(), "cycle %d", i)
		}
	}
	assert.False(t, loop.Tripped())
	assert.Equal(t, 0, aborts.count())
}

func TestLoop_AsyncCallbacks(t *testing.T) {
	pub := &fakePublisher{next: always(iothub.ResultNotConnected), async: true}
	aborts := &abortRecorder{}
	loop := newLoop(pub, 3, 5*time.Millisecond, aborts.abort, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := loop.Run(ctx)
	pub.wg.Wait()

	assert.ErrorIs(t, err, ErrThresholdExceeded)
	assert.GreaterOrEqual(t, pub.count(), 4)
	assert.Equal(t, 1, aborts.count())
	assert.GreaterOrEqual(t, loop.Failures(), 4)
}

func TestLoop_IntervalIsInterruptible(t *testing.T) {
	pub := &fakePublisher{next: always(iothub.ResultOK)}
	loop := newLoop(pub, 100, time.Hour, func() {}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, 1, pub.count())
}

func TestLoop_Logging(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf)

	pub := &fakePublisher{next: func(n int) iothub.Result {
		if n == 1 {
			return iothub.ResultOK
		}
		return iothub.ResultError
	}}
	loop := newLoop(pub, 0, 0, func() {}, log)

	loop.RunCycle()
	loop.RunCycle()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 5)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "["), line)
		assert.Contains(t, line, "]\t")
	}
	assert.Contains(t, lines[0], "Sending message: {\"device\":\"sim-host\"")
	assert.Contains(t, lines[1], "IoT Hub responded to message with status: OK")
	assert.Contains(t, lines[2], "Sending message: ")
	assert.Contains(t, lines[3], "IoT Hub responded with error status: ERROR. Current error count is 1.")
	assert.Contains(t, lines[4], "Maximum consecutive send error count (0) exceeded. Program will now exit.")
}

func TestLoop_PayloadsWithinRange(t *testing.T) {
	pub := &fakePublisher{next: always(iothub.ResultOK)}
	loop := newLoop(pub, 0, 0, func() {}, nil)

	for i := 0; i < 100; i++ {
		loop.RunCycle()
	}

	for _, p := range pub.payloads {
		var decoded struct {
			Device   string  `json:"device"`
			Temp     float64 `json:"temp"`
			Datetime string  `json:"datetime"`
		}
		require.NoError(t, json.Unmarshal(p, &decoded))
		assert.Equal(t, "sim-host", decoded.Device)
		assert.GreaterOrEqual(t, decoded.Temp, 90.0)
		assert.LessOrEqual(t, decoded.Temp, 95.0)
		assert.True(t, strings.HasSuffix(decoded.Datetime, "+0000"))
	}
}
