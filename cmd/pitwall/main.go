package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"gridlink/internal/delay"
	"gridlink/internal/fanout"
	"gridlink/internal/handlers"
	"gridlink/internal/hub"
	"gridlink/internal/ingest"
	"gridlink/internal/metrics"
	"gridlink/internal/session"
	"gridlink/internal/viewers"
	"gridlink/pkg/config"
	"gridlink/pkg/kafka"
	"gridlink/pkg/logging"
	"gridlink/pkg/monitoring"
	"gridlink/pkg/server"
	"gridlink/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("pitwall")

	// Load environment variables
	config.LoadEnv(logger)

	logger.WithField("build", version.String()).Info("Starting Pitwall (telemetry relay hub)")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("pitwall", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("pitwall", version.Version, version.GitCommit)

	// Create custom metrics
	serviceMetrics := &metrics.Metrics{
		Connections:    metricsCollector.NewGauge("hub_connections_active", "Active hub connections", []string{"transport"}),
		HubMessages:    metricsCollector.NewCounter("hub_messages_total", "Hub messages", []string{"transport", "direction"}),
		EventsIngested: metricsCollector.NewCounter("events_ingested_total", "Producer events accepted", []string{"event_type"}),
		EventsEmitted:  metricsCollector.NewCounter("events_emitted_total", "Events delivered to subscribers", []string{"event_type"}),
		EventsDropped:  metricsCollector.NewCounter("events_dropped_total", "Events dropped on full send queues", []string{"event_type"}),
		DeliveryLag:    metricsCollector.NewHistogram("event_delivery_lag_seconds", "Ingress-to-delivery latency", []string{"event_type"}, nil),
		SessionsActive: metricsCollector.NewGauge("sessions_active", "Active telemetry sessions", []string{}),
		RoomsActive:    metricsCollector.NewGauge("rooms_active", "Active broadcast rooms", []string{}),
		DelayedPending: metricsCollector.NewGauge("delayed_events_pending", "Events held back by broadcast delay", []string{}),
		SessionsReaped: metricsCollector.NewCounter("sessions_reaped_total", "Stale sessions removed by the reaper", []string{}),
	}

	// Core state
	queueSize := config.GetEnvInt("SEND_QUEUE_SIZE", 256)
	readLimit := int64(config.GetEnvInt("WS_READ_LIMIT", 4*1024*1024))

	store := session.NewStore(logger, serviceMetrics)
	h := hub.New(logger, serviceMetrics, queueSize, readLimit)
	tracker := viewers.NewTracker()
	scheduler := delay.NewScheduler(serviceMetrics)
	engine := fanout.NewEngine(h.Rooms(), store, scheduler, logger, serviceMetrics)

	// Optional Kafka archive tap
	var tap *ingest.Tap
	if brokersEnv := config.GetEnv("KAFKA_BROKERS", ""); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		clusterID := config.GetEnv("KAFKA_CLUSTER_ID", "gridlink")
		topic := config.GetEnv("KAFKA_TOPIC", "telemetry_events")

		producer, err := kafka.NewKafkaProducer(brokers, clusterID, topic, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize Kafka producer")
		}
		defer producer.Close()

		// Create Kafka metrics
		serviceMetrics.KafkaMessages, serviceMetrics.KafkaDuration, serviceMetrics.KafkaLag = metricsCollector.CreateKafkaMetrics()

		tap = ingest.NewTap(producer, topic, logger, serviceMetrics)
		healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(producer.GetClient()))
		logger.WithField("topic", topic).Info("Kafka archive tap enabled")
	}

	// Ingress pipeline
	pipelineCfg := ingest.Config{
		DirectorToken: config.GetEnv("DIRECTOR_TOKEN", ""),
		CatchupWindow: config.GetEnvDuration("CATCHUP_WINDOW", 30*time.Second),
		MaxDelayMs:    config.GetEnvInt("MAX_BROADCAST_DELAY_MS", 60000),
	}
	pipeline := ingest.NewPipeline(pipelineCfg, h, store, tracker, engine, tap, logger, serviceMetrics)
	h.SetHandler(pipeline)

	// Long-poll transport
	pollWait := config.GetEnvDuration("POLL_WAIT", 25*time.Second)
	pollIdle := config.GetEnvDuration("POLL_IDLE_TIMEOUT", 60*time.Second)
	polls := hub.NewPollManager(h, logger, pollWait, pollIdle)

	// Session reaper
	reapInterval := config.GetEnvDuration("REAP_INTERVAL", 30*time.Second)
	staleAfter := config.GetEnvDuration("STALE_THRESHOLD", 60*time.Second)
	reaper := session.NewReaper(store, scheduler, h.Rooms(), logger, serviceMetrics, reapInterval, staleAfter)
	go reaper.Run()

	// Add health checks
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"PORT": config.GetEnv("PORT", "18020"),
	}))

	// Initialize handlers
	pitwallHandlers := handlers.NewPitwallHandlers(h, polls, store, logger)

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "pitwall", healthChecker, metricsCollector)
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "running", "service": "pitwall", "build": version.GetInfo()})
	})

	// WebSocket and session routes
	router.GET("/ws", pitwallHandlers.HandleWebSocket)
	router.GET("/sessions", pitwallHandlers.HandleSessions)

	// Long-poll fallback routes
	router.POST("/poll", pitwallHandlers.HandlePollCreate)
	router.GET("/poll/:id/events", pitwallHandlers.HandlePollEvents)
	router.POST("/poll/:id/send", pitwallHandlers.HandlePollSend)
	router.DELETE("/poll/:id", pitwallHandlers.HandlePollDelete)
	router.NoRoute(pitwallHandlers.HandleNotFound)

	// Start server with graceful shutdown. Read and write timeouts stay
	// disabled because WebSocket upgrades and long-poll waits hold
	// requests open past any sane HTTP deadline.
	serverConfig := server.DefaultConfig("pitwall", "18020")
	serverConfig.ReadTimeout = 0
	serverConfig.WriteTimeout = 0
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}

	// Stop background work before closing connections so nothing fires
	// into a draining hub.
	reaper.Stop()
	polls.Stop()
	scheduler.Stop()
	tap.Stop()
	h.Shutdown()

	logger.Info("Pitwall stopped")
}
