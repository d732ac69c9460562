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

// Package telemetry builds the synthetic temperature readings published by
// the simulator and encodes them into the wire payload.
package telemetry

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"
)

// TimestampLayout renders UTC timestamps with an explicit numeric offset.
const TimestampLayout = "2006-01-02T15:04:05-0700"

// Reading is a single telemetry sample. It is not modified after creation.
type Reading struct {
	DeviceID    string
	Temperature float64
	Timestamp   string
}

// Payload encodes the reading as
// {"device":"<id>","temp":<2 decimals>,"datetime":"<timestamp>"}.
func (r Reading) Payload() []byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, `{"device":`...)
	buf = appendJSONString(buf, r.DeviceID)
	buf = append(buf, `,"temp":`...)
	buf = strconv.AppendFloat(buf, r.Temperature, 'f', 2, 64)
	buf = append(buf, `,"datetime":`...)
	buf = appendJSONString(buf, r.Timestamp)
	buf = append(buf, '}')
	return buf
}

func appendJSONString(buf []byte, s string) []byte {
	// Marshalling a string never fails.
	b, _ := json.Marshal(s)
	return append(buf, b...)
}

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Range is a closed temperature interval with Min <= Max.
type Range struct {
	Min float64
	Max float64
}

// NewRange returns the interval spanned by a and b regardless of their order.
func NewRange(a, b float64) Range {
	return Range{Min: math.Min(a, b), Max: math.Max(a, b)}
}

// Contains reports whether v lies within the closed interval.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Generator produces readings for a single device.
type Generator struct {
	deviceID string
	rng      Range

	mu  sync.Mutex
	src *rand.Rand
	now func() time.Time
}

// NewGenerator creates a generator sampling temperatures uniformly from r.
func NewGenerator(deviceID string, r Range) *Generator {
	return &Generator{
		deviceID: deviceID,
		rng:      r,
		src:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now:      time.Now,
	}
}

// WithSource replaces the random source and clock. Either may be nil to
// keep the current one.
func (g *Generator) WithSource(src *rand.Rand, now func() time.Time) *Generator {
	g.mu.Lock()
	defer g.mu.Unlock()
	if src != nil {
		g.src = src
	}
	if now != nil {
		g.now = now
	}
	return g
}

// Range returns the sampling interval.
func (g *Generator) Range() Range {
	return g.rng
}

// Next builds a fresh reading stamped with the current UTC time.
func (g *Generator) Next() Reading {
	g.mu.Lock()
	defer g.mu.Unlock()

	temp := g.rng.Min + g.src.Float64()*(g.rng.Max-g.rng.Min)
	return Reading{
		DeviceID:    g.deviceID,
		Temperature: temp,
		Timestamp:   FormatTimestamp(g.now()),
	}
}
