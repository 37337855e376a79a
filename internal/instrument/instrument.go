// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes the path subsystem's prometheus metrics.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pathsBuilt = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veil_paths_built_total",
			Help: "Number of paths that reached the established state",
		},
	)
	buildFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_path_build_failures_total",
			Help: "Number of failed path builds",
		},
		[]string{"kind"},
	)
	transitHops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veil_transit_hops_installed_total",
			Help: "Number of transit hops installed",
		},
	)
	framesForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_frames_forwarded_total",
			Help: "Number of data frames forwarded",
		},
		[]string{"direction"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_frames_dropped_total",
			Help: "Number of frames dropped",
		},
		[]string{"reason"},
	)
	acksHandled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veil_acks_handled_total",
			Help: "Number of path acks handled",
		},
	)
	expiredState = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_state_expired_total",
			Help: "Number of paths and transit hops removed by expiry",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(pathsBuilt)
	prometheus.MustRegister(buildFailures)
	prometheus.MustRegister(transitHops)
	prometheus.MustRegister(framesForwarded)
	prometheus.MustRegister(framesDropped)
	prometheus.MustRegister(acksHandled)
	prometheus.MustRegister(expiredState)
}

// Init exposes the registered metrics via HTTP on addr.
func Init(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(addr, nil)
}

// PathBuilt increments the established path counter.
func PathBuilt() {
	pathsBuilt.Inc()
}

// BuildFailure increments the failed build counter for the given kind.
func BuildFailure(kind string) {
	buildFailures.With(prometheus.Labels{"kind": kind}).Inc()
}

// TransitHopInstalled increments the installed transit hop counter.
func TransitHopInstalled() {
	transitHops.Inc()
}

// FrameForwarded increments the forwarded frame counter for a direction.
func FrameForwarded(direction string) {
	framesForwarded.With(prometheus.Labels{"direction": direction}).Inc()
}

// FrameDropped increments the dropped frame counter for a reason.
func FrameDropped(reason string) {
	framesDropped.With(prometheus.Labels{"reason": reason}).Inc()
}

// AckHandled increments the handled ack counter.
func AckHandled() {
	acksHandled.Inc()
}

// StateExpired adds to the expired state counter for a kind.
func StateExpired(kind string, n int) {
	expiredState.With(prometheus.Labels{"kind": kind}).Add(float64(n))
}
