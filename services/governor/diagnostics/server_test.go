// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/fxgovernor/services/governor"
	"github.com/AleutianAI/fxgovernor/services/governor/observability"
	"github.com/AleutianAI/fxgovernor/services/governor/registry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var _ Governor = (*governor.Governor)(nil)

func newTestRouter(t *testing.T) (*gin.Engine, *governor.Governor) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	g, err := governor.New(governor.DefaultConfig(),
		governor.WithClock(clock.NewMock()),
		governor.WithObserver(m),
		governor.WithRegistryObserver(m))
	require.NoError(t, err)

	router := gin.New()
	SetupRoutes(router, g, reg)
	return router, g
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req, _ := http.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "normal", resp["state"])
}

func TestHandleStats(t *testing.T) {
	router, g := newTestRouter(t)
	g.Register(registry.KindTimer, registry.CategoryEffect, registry.DisposeFunc(func() error { return nil }), registry.Options{})

	w := do(router, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var s governor.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	assert.Equal(t, g.ID(), s.InstanceID)
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 1, s.Sizes["effect"])
}

func TestControlRoutes(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name        string
		path        string
		body        string
		wantCode    int
		wantChanged bool
		wantState   string
	}{
		{"degrade", "/v1/control/degrade", `{"level": 2}`, http.StatusOK, true, "degraded(2)"},
		{"degrade same level", "/v1/control/degrade", `{"level": 2}`, http.StatusOK, false, "degraded(2)"},
		{"emergency", "/v1/control/emergency", "", http.StatusOK, true, "emergency"},
		{"restore", "/v1/control/restore", "", http.StatusOK, true, "normal"},
		{"restore again", "/v1/control/restore", "", http.StatusOK, false, "normal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())

			var resp ControlResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantChanged, resp.Changed)
			assert.Equal(t, tt.wantState, resp.State)
		})
	}
}

func TestHandleDegrade_RejectsBadBody(t *testing.T) {
	router, g := newTestRouter(t)

	for _, body := range []string{`{}`, `{"level": 0}`, `{"level": "two"}`, `not json`} {
		w := do(router, http.MethodPost, "/v1/control/degrade", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Equal(t, "normal", g.Stats().State)
}

func TestHandleRecover(t *testing.T) {
	router, g := newTestRouter(t)
	for i := 0; i < 5; i++ {
		g.Register(registry.KindTimer, registry.CategoryEffect, registry.DisposeFunc(func() error { return nil }), registry.Options{})
	}

	w := do(router, http.MethodPost, "/v1/control/recover", `{"reason": "manual"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var rep governor.RecoveryReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Equal(t, "manual", rep.Reason)
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, int64(1), g.Recoveries())

	w = do(router, http.MethodPost, "/v1/control/recover", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Equal(t, "operator request", rep.Reason)
}

type deadResource struct{}

func (deadResource) Dispose() error { return nil }
func (deadResource) Alive() bool    { return false }

func TestHandleSweep(t *testing.T) {
	router, g := newTestRouter(t)
	g.Register(registry.KindTimer, registry.CategoryEffect, deadResource{}, registry.Options{})

	w := do(router, http.MethodPost, "/v1/control/sweep", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp SweepResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Ran)
	assert.Equal(t, 1, resp.Evicted)
	assert.Equal(t, 0, resp.Remaining)
}

func TestMetricsRoute(t *testing.T) {
	router, g := newTestRouter(t)
	g.RequestEmergencyStop()

	w := do(router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fxgovernor_state_transitions_total")
}

func TestMetricsRoute_SkippedWithoutGatherer(t *testing.T) {
	g, err := governor.New(governor.DefaultConfig(), governor.WithClock(clock.NewMock()))
	require.NoError(t, err)
	router := gin.New()
	SetupRoutes(router, g, nil)

	w := do(router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_StartAndShutdown(t *testing.T) {
	g, err := governor.New(governor.DefaultConfig(), governor.WithClock(clock.NewMock()))
	require.NoError(t, err)

	srv := NewServer("127.0.0.1:0", g, prometheus.NewRegistry(), nil)
	assert.Empty(t, srv.Addr())
	require.NoError(t, srv.Start())
	assert.Error(t, srv.Start())

	addr := srv.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `"status":"ok"`))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, err = http.Get("http://" + addr + "/health")
	assert.Error(t, err)
}
