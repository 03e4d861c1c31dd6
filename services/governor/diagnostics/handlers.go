// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diagnostics serves the governor's operator surface over HTTP.
//
// # Routes
//
//	GET  /health                  liveness and current state
//	GET  /metrics                 Prometheus exposition
//	GET  /v1/stats                governor.Stats snapshot
//	POST /v1/control/degrade      {"level": n}
//	POST /v1/control/restore
//	POST /v1/control/emergency
//	POST /v1/control/recover      {"reason": "..."}
//	POST /v1/control/sweep
//
// Control routes map one-to-one onto the governor's override signals. The
// surface defines JSON snapshots only; it is not a protocol.
package diagnostics

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/fxgovernor/services/governor"
	"github.com/AleutianAI/fxgovernor/services/governor/registry"
)

// Governor is the part of *governor.Governor the routes use.
type Governor interface {
	Stats() governor.Stats
	RequestDegrade(level int) bool
	RequestRestore() bool
	RequestEmergencyStop() bool
	PerformEmergencyRecovery(ctx context.Context, reason string) governor.RecoveryReport
	Sweep(ctx context.Context) (registry.SweepReport, bool)
}

// DegradeRequest is the body of POST /v1/control/degrade.
type DegradeRequest struct {
	Level int `json:"level" binding:"required,gte=1"`
}

// RecoverRequest is the body of POST /v1/control/recover.
type RecoverRequest struct {
	Reason string `json:"reason" binding:"max=200"`
}

// ControlResponse reports the outcome of an override signal.
type ControlResponse struct {
	Changed bool   `json:"changed"`
	State   string `json:"state"`
}

// SweepResponse summarises an on-demand sweep.
type SweepResponse struct {
	Ran        bool          `json:"ran"`
	Evicted    int           `json:"evicted"`
	Remaining  int           `json:"remaining"`
	OverGlobal bool          `json:"over_global"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// SetupRoutes registers the diagnostics routes on router.
//
// Inputs:
//   - router: Engine to register on.
//   - g: The governor.
//   - gatherer: Source for /metrics. Nil skips the route.
func SetupRoutes(router *gin.Engine, g Governor, gatherer prometheus.Gatherer) {
	router.Use(otelgin.Middleware("fxgovernor-diagnostics"))

	router.GET("/health", HandleHealth(g))
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	{
		v1.GET("/stats", HandleStats(g))
		control := v1.Group("/control")
		{
			control.POST("/degrade", HandleDegrade(g))
			control.POST("/restore", HandleRestore(g))
			control.POST("/emergency", HandleEmergency(g))
			control.POST("/recover", HandleRecover(g))
			control.POST("/sweep", HandleSweep(g))
		}
	}
}

// HandleHealth reports liveness.
func HandleHealth(g Governor) gin.HandlerFunc {
	return func(c *gin.Context) {
		s := g.Stats()
		c.JSON(http.StatusOK, gin.H{
			"status":       "ok",
			"state":        s.State,
			"health_score": s.HealthScore,
		})
	}
}

// HandleStats returns the full snapshot.
func HandleStats(g Governor) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, g.Stats())
	}
}

// HandleDegrade forces a degrade level.
func HandleDegrade(g Governor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DegradeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		changed := g.RequestDegrade(req.Level)
		c.JSON(http.StatusOK, ControlResponse{Changed: changed, State: g.Stats().State})
	}
}

// HandleRestore forces Normal.
func HandleRestore(g Governor) gin.HandlerFunc {
	return func(c *gin.Context) {
		changed := g.RequestRestore()
		c.JSON(http.StatusOK, ControlResponse{Changed: changed, State: g.Stats().State})
	}
}

// HandleEmergency forces Emergency.
func HandleEmergency(g Governor) gin.HandlerFunc {
	return func(c *gin.Context) {
		changed := g.RequestEmergencyStop()
		c.JSON(http.StatusOK, ControlResponse{Changed: changed, State: g.Stats().State})
	}
}

// HandleRecover runs emergency recovery. An empty body is accepted.
func HandleRecover(g Governor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RecoverRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		if req.Reason == "" {
			req.Reason = "operator request"
		}
		c.JSON(http.StatusOK, g.PerformEmergencyRecovery(c.Request.Context(), req.Reason))
	}
}

// HandleSweep runs one sweep now.
func HandleSweep(g Governor) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, ran := g.Sweep(c.Request.Context())
		resp := SweepResponse{
			Ran:        ran,
			Evicted:    report.Evicted(),
			Remaining:  report.Remaining,
			OverGlobal: report.OverGlobal,
			Duration:   report.Duration,
		}
		if report.Err != nil {
			resp.Error = report.Err.Error()
		}
		status := http.StatusOK
		if !ran {
			status = http.StatusConflict
		}
		c.JSON(status, resp)
	}
}
