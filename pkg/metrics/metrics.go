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

// package metrics provides Prometheus metrics for the application.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// ConnectionsTotal is a counter for the total number of connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushgate_connections_total",
		Help: "The total number of client connections accepted by the gateway.",
	})

	// ConnectionsActive tracks the connections currently open on this node.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pushgate_connections_active",
		Help: "The number of client connections currently open on this node.",
	})

	// LoginsTotal counts successful logins.
	LoginsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushgate_logins_total",
		Help: "The total number of logins handled by this node.",
	})

	// DuplicateLoginsTotal counts logins that evicted an older connection.
	DuplicateLoginsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushgate_duplicate_logins_total",
		Help: "The total number of logins that displaced another connection of the same uid.",
	})

	// AcksTotal counts client acknowledgments, labelled by whether a pending
	// callback was found for the ack id.
	AcksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushgate_acks_total",
		Help: "The total number of acknowledgments received from clients.",
	},
		[]string{"result"},
	)

	// ConfirmationsTotal counts confirmation checks per protocol and outcome.
	ConfirmationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushgate_confirmations_total",
		Help: "The total number of delivery confirmations evaluated.",
	},
		[]string{"protocol", "result"},
	)

	// BusDirectivesTotal counts control bus traffic.
	BusDirectivesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushgate_bus_directives_total",
		Help: "The total number of control bus directives by kind and outcome.",
	},
		[]string{"kind", "result"},
	)

	// MailboxDropsTotal counts directives a session could not take because
	// its mailbox was full.
	MailboxDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushgate_mailbox_drops_total",
		Help: "The total number of directives dropped on a full session mailbox.",
	},
		[]string{"kind"},
	)

	// FramesMutatedTotal counts outbound frames rewritten by the mutation layer.
	FramesMutatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushgate_frames_mutated_total",
		Help: "The total number of outbound frames rewritten per recipient.",
	},
		[]string{"strategy", "result"},
	)

	// SupervisorRestartsTotal is a counter for the total number of supervisor restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushgate_supervisor_restarts_total",
		Help: "The total number of times a supervised actor has been restarted.",
	},
		[]string{"actor_id"},
	)
)

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
