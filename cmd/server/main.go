package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/allocation-service/internal/adapter/handler"
	"github.com/rl1809/allocation-service/internal/adapter/messaging"
	"github.com/rl1809/allocation-service/internal/adapter/notification"
	"github.com/rl1809/allocation-service/internal/adapter/storage"
	"github.com/rl1809/allocation-service/internal/config"
	"github.com/rl1809/allocation-service/internal/core/messagebus"
	"github.com/rl1809/allocation-service/internal/core/service"
	"github.com/rl1809/allocation-service/internal/logger"
	"github.com/rl1809/allocation-service/internal/port"
	"github.com/rl1809/allocation-service/internal/telemetry"
)

const (
	publishWorkers = 10
	// per worker
	publishQueue   = 1000
	publishTimeout = 5 * time.Second
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zl, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()
	zl = zl.With(zap.String("service", cfg.App.Name), zap.String("env", cfg.App.Env))

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:       cfg.Telemetry.Enabled,
		Endpoint:      cfg.Telemetry.Endpoint,
		SamplingRatio: cfg.Telemetry.SamplingRatio,
		Insecure:      cfg.Telemetry.Insecure,
		ServiceName:   cfg.Telemetry.ServiceName,
		Environment:   cfg.App.Env,
	}, zl)
	if err != nil {
		zl.Fatal("failed to set up tracing", zap.Error(err))
	}

	// Initialize database
	dsn := storage.DataSourceName(cfg.Database.Driver, cfg.Database.DSN)
	dbOpts := storage.DBOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
	if cfg.Database.AutoMigrate {
		if err := migrateUp(ctx, cfg.Database.Driver, dsn, dbOpts, zl); err != nil {
			zl.Fatal("failed to migrate database", zap.Error(err))
		}
	}

	db, err := storage.OpenDB(ctx, cfg.Database.Driver, dsn, dbOpts)
	if err != nil {
		zl.Fatal("failed to connect database", zap.Error(err))
	}
	zl.Info("connected to database", zap.String("driver", cfg.Database.Driver))
	store := storage.NewSQLStore(db)

	// Initialize read model
	var (
		rdb   *redis.Client
		view  port.AllocationView
		dedup port.Deduplicator
	)
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			zl.Fatal("failed to connect redis", zap.Error(err))
		}
		zl.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
		view = storage.NewRedisAllocationView(rdb)
		dedup = storage.NewRedisDeduplicator(rdb)
	} else {
		zl.Warn("redis disabled, allocations view is in memory")
		view = storage.NewMemoryAllocationView()
	}

	// Initialize handlers and bus
	opts := []service.Option{
		service.WithAllocationView(view),
		service.WithNotifier(newNotifier(cfg.Notification, zl), cfg.Notification.StockTeam),
	}

	var (
		publisher *messaging.AsyncPublisher
		kafkaPub  *messaging.KafkaPublisher
	)
	if cfg.Kafka.Enabled {
		kafkaPub = messaging.NewKafkaPublisher(messaging.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic), zl)
		publisher = messaging.NewAsyncPublisher(kafkaPub, publishWorkers, publishQueue, publishTimeout, zl)
		opts = append(opts, service.WithPublisher(publisher))
		zl.Info("publishing events", zap.String("topic", cfg.Kafka.EventsTopic), zap.Int("workers", publishWorkers))
	}

	handlers := service.NewHandlers(zl, opts...)
	registry := messagebus.NewRegistry()
	handlers.Register(registry)
	bus := messagebus.New(registry, store.UnitOfWork, zl)

	retry := handler.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
	}

	// Start batch consumer
	consumerCtx, stopConsumer := context.WithCancel(ctx)
	var wg sync.WaitGroup
	var consumer *messaging.BatchConsumer
	if cfg.Kafka.Enabled {
		reader := messaging.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.BatchesTopic, cfg.Kafka.GroupID)
		consumer = messaging.NewBatchConsumer(reader, bus, dedup, zl)
		wg.Add(1)
		go func() {
			defer wg.Done()
			zl.Info("consuming batches", zap.String("topic", cfg.Kafka.BatchesTopic))
			if err := consumer.Run(consumerCtx); err != nil {
				zl.Error("batch consumer stopped", zap.Error(err))
			}
		}()
	}

	// Initialize gRPC server
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	handler.RegisterAllocationServer(grpcServer, handler.NewGRPCHandler(bus, retry, zl))

	lis, err := net.Listen("tcp", ":"+cfg.GRPC.Port)
	if err != nil {
		zl.Fatal("failed to listen", zap.String("port", cfg.GRPC.Port), zap.Error(err))
	}

	go func() {
		zl.Info("gRPC server listening", zap.String("port", cfg.GRPC.Port))
		if err := grpcServer.Serve(lis); err != nil {
			zl.Error("gRPC server error", zap.Error(err))
		}
	}()

	// Initialize HTTP server
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpHandler := handler.NewHTTPHandler(bus, handlers, retry, zl)
	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      httpHandler.Router(cfg.App.Name),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		zl.Info("HTTP server listening", zap.String("port", cfg.HTTP.Port))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			zl.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zl.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zl.Warn("HTTP server shutdown", zap.Error(err))
	}
	zl.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	zl.Info("gRPC server stopped")

	stopConsumer()
	wg.Wait()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			zl.Warn("close batch consumer", zap.Error(err))
		}
	}

	// drain queued events before the writer goes away
	if publisher != nil {
		publisher.Close()
		if err := kafkaPub.Close(); err != nil {
			zl.Warn("close kafka writer", zap.Error(err))
		}
		zl.Info("publisher drained")
	}

	if rdb != nil {
		rdb.Close()
	}
	db.Close()
	zl.Info("connections closed")

	if err := shutdownTracing(shutdownCtx); err != nil {
		zl.Warn("tracing shutdown", zap.Error(err))
	}
}

// migrateUp runs on its own pool because the migrate driver closes the
// database it is given.
func migrateUp(ctx context.Context, driver, dsn string, opts storage.DBOptions, zl *zap.Logger) error {
	db, err := storage.OpenDB(ctx, driver, dsn, opts)
	if err != nil {
		return err
	}
	m, err := storage.NewMigrator(db, driver, zl)
	if err != nil {
		db.Close()
		return err
	}
	return errors.Join(m.Up(), m.Close())
}

func newNotifier(cfg config.NotificationConfig, zl *zap.Logger) port.Notifier {
	if cfg.SMTPHost == "" {
		zl.Warn("smtp host not set, notifications are logged only")
		return notification.NewLogNotifier(zl)
	}
	return notification.NewEmailNotifier(notification.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
	}, zl)
}
