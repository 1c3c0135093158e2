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

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/turtacn/pushgate/pkg/admin"
	"github.com/turtacn/pushgate/pkg/bus"
	"github.com/turtacn/pushgate/pkg/config"
	"github.com/turtacn/pushgate/pkg/gateway"
	"github.com/turtacn/pushgate/pkg/metrics"
	"github.com/turtacn/pushgate/pkg/monitor"
	"github.com/turtacn/pushgate/pkg/mutation"
	"github.com/turtacn/pushgate/pkg/presence"
	"github.com/turtacn/pushgate/pkg/storage"
	"github.com/turtacn/pushgate/pkg/transport"
	"go.uber.org/zap"
)

const healthInterval = 15 * time.Second

// node is one running gateway process.
type node struct {
	cfg     *config.Config
	logger  *zap.Logger
	backend storage.Backend
	gateway *gateway.Gateway
	ws      *transport.Server
	health  *monitor.HealthChecker

	adminLn  net.Listener
	adminSrv *http.Server
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func openBackend(cfg config.StoreConfig) (storage.Backend, error) {
	switch cfg.Driver {
	case config.DriverRedis:
		s, err := storage.NewRedisStore(cfg.Redis)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
		}
		return s, nil
	case config.DriverMemory:
		return storage.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func newNode(cfg *config.Config, logger *zap.Logger) (*node, error) {
	backend, err := openBackend(cfg.Store)
	if err != nil {
		return nil, err
	}
	mutator, err := mutation.New(cfg.Gateway.Mutation, cfg.MutationOptions())
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	g := cfg.Gateway
	gw := gateway.New(gateway.Config{
		NodeID:       g.NodeID,
		Namespace:    g.Namespace,
		BusChannel:   bus.ChannelName(cfg.Store.KeyPrefix, cfg.Store.BusChannel, g.Namespace),
		Separator:    g.Separator,
		ConfirmDelay: g.ConfirmDelay,
		StoreTimeout: cfg.Store.Timeout,
		MailboxSize:  g.MailboxSize,
	}, presence.New(backend, cfg.Store.KeyPrefix, cfg.Store.DeliveredTTL), backend, mutator, logger)

	health := monitor.NewHealthChecker(gw.NodeID(), version, logger)
	health.RegisterCheck("store", backend.Ping, true)

	mux := http.NewServeMux()
	admin.NewAPIServer(gw, g.Separator, logger).RegisterRoutes(mux)
	monitor.NewHealthServer(health).RegisterRoutes(mux)

	return &node{
		cfg:     cfg,
		logger:  logger,
		backend: backend,
		gateway: gw,
		ws: transport.NewServer(transport.Options{
			Path:      g.WSPath,
			Namespace: g.Namespace,
		}, gw, logger),
		health:   health,
		adminSrv: &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
	}, nil
}

func (n *node) start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)

	if err := n.gateway.Start(); err != nil {
		return err
	}
	if err := n.ws.Start(n.cfg.Gateway.ListenAddr); err != nil {
		return fmt.Errorf("start websocket server: %w", err)
	}

	ln, err := net.Listen("tcp", n.cfg.Gateway.AdminAddr)
	if err != nil {
		return fmt.Errorf("start admin server: %w", err)
	}
	n.adminLn = ln
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.adminSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
	n.logger.Info("Admin server listening", zap.String("addr", ln.Addr().String()))

	if addr := n.cfg.Gateway.MetricsAddr; addr != "" {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := metrics.Serve(ctx, addr, n.logger); err != nil {
				n.logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	n.health.RunChecks(ctx)
	n.health.StartPeriodic(ctx, healthInterval)
	n.logger.Info("Node started", zap.String("node", n.cfg.Gateway.NodeID))
	return nil
}

// stop closes the listeners first so no new work arrives, then the gateway,
// then the store.
func (n *node) stop(ctx context.Context) error {
	if n.cancel != nil {
		n.cancel()
	}
	n.logger.Info("Stopping node",
		zap.Int("connections", n.ws.Count()), zap.Int("sessions", n.gateway.Sessions()))
	var errs []error
	if n.adminLn != nil {
		errs = append(errs, n.adminSrv.Shutdown(ctx))
	}
	errs = append(errs, n.ws.Stop(ctx))
	errs = append(errs, n.gateway.Stop(ctx))
	n.wg.Wait()
	errs = append(errs, n.backend.Close())
	return errors.Join(errs...)
}

func (n *node) adminAddr() string {
	return n.adminLn.Addr().String()
}
