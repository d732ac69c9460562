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

package monitor

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHealthChecker(t *testing.T) {
	hc := NewHealthChecker("sim-host")
	assert.True(t, hc.IsHealthy())

	status := hc.RunChecks()
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "sim-host", status.Device)
	assert.Empty(t, status.Checks)
}

func TestHealthCheckerRunChecks(t *testing.T) {
	hc := NewHealthChecker("sim-host")
	hc.RegisterCheck("ok", func() error { return nil }, true)
	hc.RegisterCheck("soft", func() error { return errors.New("degraded") }, false)

	status := hc.RunChecks()
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "passed", status.Checks["ok"].Status)
	assert.Equal(t, "failed", status.Checks["soft"].Status)
	assert.Equal(t, "degraded", status.Checks["soft"].Message)
	assert.True(t, hc.IsHealthy())

	hc.RegisterCheck("hard", func() error { return errors.New("session down") }, true)
	status = hc.RunChecks()
	assert.Equal(t, "unhealthy", status.Status)
	assert.False(t, hc.IsHealthy())
}

func TestHealthServerHealth(t *testing.T) {
	hc := NewHealthChecker("sim-host")
	failing := false
	hc.RegisterCheck("mqtt", func() error {
		if failing {
			return errors.New("not connected")
		}
		return nil
	}, true)

	mux := http.NewServeMux()
	NewHealthServer(hc).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)

	failing = true
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthServerProbes(t *testing.T) {
	hc := NewHealthChecker("sim-host")
	healthy := true
	hc.RegisterCheck("breaker", func() error {
		if !healthy {
			return errors.New("tripped")
		}
		return nil
	}, true)

	mux := http.NewServeMux()
	NewHealthServer(hc).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	healthy = false
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestHealthServerMethodNotAllowed(t *testing.T) {
	mux := http.NewServeMux()
	NewHealthServer(NewHealthChecker("sim-host")).RegisterRoutes(mux)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}

func TestHealthCheckerConcurrentAccess(t *testing.T) {
	hc := NewHealthChecker("sim-host")
	hc.RegisterCheck("ok", func() error { return nil }, true)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			hc.RunChecks()
		}()
		go func() {
			defer wg.Done()
			hc.IsHealthy()
		}()
	}
	wg.Wait()
	assert.True(t, hc.IsHealthy())
}
