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

// Package breaker tracks consecutive delivery failures and reports when a
// configured threshold has been exceeded.
package breaker

import "sync"

// Breaker counts consecutive failures. A success resets the count to zero.
// Once the count exceeds the maximum the breaker is tripped and stays tripped.
type Breaker struct {
	mu      sync.Mutex
	max     int
	count   int
	tripped bool
}

// New creates a breaker that trips when more than max consecutive failures
// are recorded.
func New(max int) *Breaker {
	return &Breaker{max: max}
}

// Record applies one delivery outcome and returns the consecutive failure
// count after the update along with whether the breaker is now tripped.
func (b *Breaker) Record(ok bool) (count int, tripped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		b.count = 0
	} else {
		b.count++
	}
	if b.count > b.max {
		b.tripped = true
	}
	return b.count, b.tripped
}

// Count returns the current consecutive failure count.
func (b *Breaker) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Tripped reports whether the threshold has ever been exceeded.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Max returns the configured threshold.
func (b *Breaker) Max() int {
	return b.max
}
