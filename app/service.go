// Package app assembles the service from its parts: store, ledger, ranking,
// delivery router, scheduler and the HTTP API.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/crewcall/crewcall/api"
	"github.com/crewcall/crewcall/config"
	"github.com/crewcall/crewcall/core/dispatch"
	"github.com/crewcall/crewcall/core/gateway"
	coremetrics "github.com/crewcall/crewcall/core/metrics"
	"github.com/crewcall/crewcall/core/ranking"
	"github.com/crewcall/crewcall/infra/distance"
	"github.com/crewcall/crewcall/infra/logger"
	"github.com/crewcall/crewcall/infra/metrics"
	"github.com/crewcall/crewcall/infra/push"
	"github.com/crewcall/crewcall/infra/sms"
	"github.com/crewcall/crewcall/infra/sqlite"
	"github.com/crewcall/crewcall/internal/eventbus"
)

// Service orchestrates the dispatch engine and its HTTP surface.
type Service struct {
	Scheduler *dispatch.Scheduler
	Router    *dispatch.Router

	cfg     *config.Config
	db      *sql.DB
	bus     eventbus.EventBus
	httpSrv *http.Server
	promSrv *http.Server
	mqtt    *push.MQTTProvider
	log     logger.Logger
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store := sqlite.NewStore(db)
	led := sqlite.NewLedgerStore(db, logger.New("ledger"))

	// Push providers register lazily: a platform whose initialization fails
	// is skipped and its contacts route to SMS.
	registry := gateway.NewProviderRegistry()
	vapidKey := ""
	if cfg.WebPush.Configured() {
		wp, err := push.NewWebPushProvider(cfg.WebPush)
		if err != nil {
			logg.Errorf("webpush provider: %v", err)
		} else {
			registry.Register(push.PlatformWebPush, wp)
			vapidKey = wp.VAPIDPublicKey()
		}
	}
	var mqttProv *push.MQTTProvider
	if cfg.MQTT.Broker != "" {
		mqttProv, err = push.NewMQTTProvider(cfg.MQTT, logger.New("mqtt-push"))
		if err != nil {
			logg.Errorf("mqtt provider: %v", err)
			mqttProv = nil
		} else {
			registry.Register(push.PlatformMQTT, mqttProv)
		}
	}

	smsClient := sms.NewClient(cfg.SMS, logger.New("sms"))

	var sinks []coremetrics.MetricsSink
	if cfg.Metrics.PrometheusEnabled {
		sink, err := metrics.NewPromSink()
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.InfluxEnabled {
		sinks = append(sinks, metrics.NewInfluxSinkWithFallback(
			cfg.Metrics.InfluxURL, cfg.Metrics.InfluxToken, cfg.Metrics.InfluxOrg, cfg.Metrics.InfluxBucket))
	}
	var sink coremetrics.MetricsSink
	switch len(sinks) {
	case 0:
		sink = coremetrics.NopSink{}
	case 1:
		sink = sinks[0]
	default:
		sink = metrics.NewMultiSink(sinks...)
	}

	bus := eventbus.New()
	router, err := dispatch.NewRouter(store, smsClient, registry, led, sink, bus, logger.New("router"))
	if err != nil {
		return nil, fmt.Errorf("delivery router: %w", err)
	}
	if mqttProv != nil {
		mqttProv.OnAck = func(notificationID string) {
			if err := router.HandleAck(context.Background(), notificationID); err != nil {
				logg.Errorf("mqtt ack %s: %v", notificationID, err)
			}
		}
	}

	var estimator gateway.DistanceEstimator
	if c := distance.NewClient(cfg.Distance); c != nil {
		estimator = c
	}
	ranker := ranking.NewEngine(estimator, store, ranking.RegexSkillExtractor{}, logger.New("ranking"))
	if cfg.Dispatch.DistanceThresholdMeters > 0 {
		ranker.SetDistanceThreshold(cfg.Dispatch.DistanceThresholdMeters)
	}

	scheduler, err := dispatch.NewScheduler(store, led, router, ranker, bus, cfg.Dispatch, logger.New("scheduler"))
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	replies, err := dispatch.NewReplyHandler(store, smsClient, bus, logger.New("replies"))
	if err != nil {
		return nil, fmt.Errorf("reply handler: %w", err)
	}

	apiSrv := api.NewServer(store, scheduler, router, replies, led, logger.New("api"))
	apiSrv.VAPIDPublicKey = vapidKey

	return &Service{
		Scheduler: scheduler,
		Router:    router,
		cfg:       cfg,
		db:        db,
		bus:       bus,
		httpSrv: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           apiSrv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		mqtt: mqttProv,
		log:  logg,
	}, nil
}

// Run starts the task loop and HTTP server and blocks until the context is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	go s.Scheduler.Run(ctx)
	if s.cfg.Metrics.PrometheusEnabled {
		s.promSrv = metrics.StartPromServer(s.cfg.Metrics.PrometheusPort)
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	if s.promSrv != nil {
		_ = s.promSrv.Close()
	}
	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
	s.bus.Close()
	return s.db.Close()
}
