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

// Result is the outcome reported for a single published message.
type Result int

const (
	// ResultOK means the hub acknowledged the message.
	ResultOK Result = iota
	// ResultError means the publish failed on the transport.
	ResultError
	// ResultMessageTimeout means no acknowledgment arrived in time.
	ResultMessageTimeout
	// ResultNotConnected means the message was rejected because the
	// session was down.
	ResultNotConnected
	// ResultBecauseDestroy means the client was closed before completion.
	ResultBecauseDestroy
)

var resultNames = map[Result]string{
	ResultOK:             "OK",
	ResultError:          "ERROR",
	ResultMessageTimeout: "MESSAGE_TIMEOUT",
	ResultNotConnected:   "NOT_CONNECTED",
	ResultBecauseDestroy: "BECAUSE_DESTROY",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return "UNKNOWN"
}

// OK reports whether r is a successful delivery.
func (r Result) OK() bool {
	return r == ResultOK
}
