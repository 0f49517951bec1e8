// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xammer/xamops/internal/config"
	"github.com/xammer/xamops/internal/middleware"
)

// NewRouter wires the full route tree.
func NewRouter(cfg config.ServerConfig, h *Handler) http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to every route.
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	// The websocket endpoint sits outside the rate-limited API tree:
	// one long-lived connection, not request traffic.
	r.Get("/ws", h.WebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimitReqs > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))
		}
		r.Use(middleware.Prometheus)

		r.Route("/reports/{type}", func(r chi.Router) {
			r.Get("/", h.GetReport)
			r.Post("/refresh", h.RefreshReport)
		})

		r.Route("/scan/{accountId}", func(r chi.Router) {
			r.Post("/", h.TriggerScan)
			r.Get("/status", h.ScanStatus)
			r.Get("/findings", h.ScanFindings)
		})

		r.Get("/accounts", h.Accounts)
	})

	return r
}
