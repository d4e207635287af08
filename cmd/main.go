package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"metachat/messaging-service/internal/auth"
	"metachat/messaging-service/internal/config"
	grpcServer "metachat/messaging-service/internal/grpc"
	"metachat/messaging-service/internal/httpapi"
	"metachat/messaging-service/internal/metrics"
	"metachat/messaging-service/internal/presence"
	"metachat/messaging-service/internal/realtime"
	"metachat/messaging-service/internal/repository"
	"metachat/messaging-service/internal/service"

	pb "github.com/kegazani/metachat-proto/chat"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := config.NewLogger(cfg.Logging)
	if logger.GetLevel() != logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		logger.Fatalf("Failed to ping database: %v", err)
	}

	logger.Info("Connected to PostgreSQL database")

	chatRepo := repository.NewChatRepository(db)
	if err := chatRepo.InitializeTables(); err != nil {
		logger.Fatalf("Failed to initialize database tables: %v", err)
	}
	users := repository.NewUserDirectory(db)

	var tracker presence.Tracker
	if cfg.Redis.URL != "" {
		redisTracker, err := presence.NewRedisTracker(context.Background(), cfg.Redis.URL, cfg.Presence.TTL)
		if err != nil {
			logger.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisTracker.Close()
		tracker = redisTracker
		logger.Info("Presence stored in Redis")
	} else {
		tracker = presence.NewMemoryTracker()
		logger.Info("Presence stored in memory")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	registry := realtime.NewRegistry(chatRepo, tracker, m, logger)
	chatService := service.NewChatService(chatRepo, users, tracker, registry, m, logger, service.Options{
		PageSize:         cfg.Chat.PageSize,
		MaxPageSize:      cfg.Chat.MaxPageSize,
		MaxContentLength: cfg.Chat.MaxContentLength,
	})
	typing := service.NewTypingNotifier(chatRepo, registry, logger, cfg.Chat.TypingTimeout)
	registry.OnUserOffline = typing.ClearUser

	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret)
	socket := realtime.NewHandler(
		verifier,
		registry,
		chatService,
		typing,
		realtime.NewLimiter(cfg.WS.RateLimitRPS, cfg.WS.RateLimitBurst),
		m,
		logger,
		realtime.HandlerOptions{
			MaxMessageBytes: cfg.WS.MaxMessageBytes,
			InflightTimeout: cfg.WS.InflightTimeout,
			AllowedOrigins:  cfg.CORS.AllowedOrigins,
		},
	)

	router := httpapi.NewRouter(httpapi.RouterDeps{
		Chats:          chatService,
		Verifier:       verifier,
		Store:          chatRepo,
		Metrics:        m,
		Socket:         socket.Handle,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Infof("Starting HTTP server on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	var s *grpc.Server
	if cfg.GRPC.Enabled {
		address := cfg.GRPC.Address()
		lis, err := net.Listen("tcp", address)
		if err != nil {
			logger.Fatalf("Failed to listen on %s: %v", address, err)
		}

		s = grpc.NewServer()
		pb.RegisterChatServiceServer(s, grpcServer.NewChatServer(chatService, logger))

		if cfg.GRPC.ReflectionEnabled {
			reflection.Register(s)
			logger.Info("gRPC reflection enabled")
		}

		go func() {
			logger.Infof("Starting gRPC server on %s", address)
			if err := s.Serve(lis); err != nil {
				logger.Fatalf("Failed to start gRPC server: %v", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down servers...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GRPC.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by http.Server.
	registry.Close()
	typing.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("HTTP server shutdown error")
		}
	}()

	if s != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := make(chan struct{})
			go func() {
				s.GracefulStop()
				close(done)
			}()

			select {
			case <-done:
				logger.Info("gRPC server exited gracefully")
			case <-ctx.Done():
				logger.Info("gRPC server shutdown timeout")
				s.Stop()
			}
		}()
	}

	wg.Wait()
	logger.Info("Server exited")
}
