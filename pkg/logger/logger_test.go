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

package logger

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestPrintf_Format(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	loc := time.FixedZone("CEST", 2*60*60)
	l.now = fixedClock(time.Date(2024, 3, 5, 14, 7, 9, 0, loc))

	l.Printf("Connection string is %s", "HostName=x")

	assert.Equal(t, "[2024-03-05T12:07:09.000+0000]\tConnection string is HostName=x\n", buf.String())
}

func TestPrintln_OneLinePerCall(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Println("message")
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 50)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "["))
		assert.True(t, strings.HasSuffix(line, "]\tmessage"))
	}
}

func TestFatalf_Exits(t *testing.T) {
	originalExit := exit
	defer func() { exit = originalExit }()

	code := -1
	exit = func(c int) { code = c }

	var buf bytes.Buffer
	l := New(&buf)
	l.Fatalf("Required environment variable '%s' is not set.", "iot_connection_string")

	assert.Equal(t, 1, code)
	assert.Contains(t, buf.String(), "Required environment variable 'iot_connection_string' is not set.")
}
