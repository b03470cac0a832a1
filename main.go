package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-gateway/internal/admission"
	"chat-gateway/internal/auth"
	"chat-gateway/internal/cache"
	"chat-gateway/internal/config"
	"chat-gateway/internal/db"
	"chat-gateway/internal/dispatch"
	"chat-gateway/internal/handlers"
	"chat-gateway/internal/middleware"
	"chat-gateway/internal/observability"
	"chat-gateway/internal/rabbitmq"
	"chat-gateway/internal/repositories"
	"chat-gateway/internal/server"
	"chat-gateway/internal/telemetry"
	"chat-gateway/internal/ws"
)

const serviceName = "chat-gateway"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, serviceName)
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}

	database, err := db.Connect(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	log.Printf("amqp publisher mode=%s reason=%s", rabbitmq.PublisherMode(publisher), rabbitmq.PublisherNoopReason(publisher))
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, serviceName, cfg.Env)

	redisClient := connectRedis(ctx, cfg.RedisAddr)
	if redisClient != nil {
		defer redisClient.Close()
	}

	roomRepo := cache.NewRoomRepository(repositories.NewRoomRepo(database), redisClient, serviceName+":", cfg.CacheTTL())
	messageRepo := repositories.NewMessageRepo(database)

	admissionCtl := admission.NewController(admission.WithLimit(cfg.RateLimitMax), admission.WithWindow(cfg.RateWindow()))
	go admissionCtl.Run(ctx, cfg.RateWindow())

	registry := ws.NewRegistry()
	dispatcher := dispatch.New(roomRepo, messageRepo, registry)
	verifier := auth.NewJWTVerifier(auth.JWTConfig{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience})

	gateway := ws.NewGateway(ws.GatewayConfig{
		Registry:       registry,
		Presence:       ws.NewPresence(registry),
		Admission:      admissionCtl,
		Verifier:       verifier,
		Rooms:          roomRepo,
		Dispatcher:     dispatcher,
		SendBuffer:     cfg.WSSendBuffer,
		AllowedOrigins: cfg.Origins(),
	})
	roomHandler := handlers.NewRoomHandler(roomRepo, messageRepo, dispatcher, audit)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(middleware.RequestID())
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", handlers.Health(database))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", gateway.Handle)
	handlers.RegisterDebugRoutes(router, audit, registry, roomRepo, cfg.DebugRoutes)

	api := router.Group("/", middleware.AuthMiddleware(verifier), middleware.AdmissionMiddleware(admissionCtl))
	api.POST("/rooms", roomHandler.CreateRoom)
	api.GET("/rooms", roomHandler.ListRooms)
	api.GET("/rooms/:room_id", roomHandler.GetRoom)
	api.POST("/rooms/:room_id/join", roomHandler.JoinRoom)
	api.GET("/rooms/:room_id/messages", roomHandler.GetRoomMessages)
	api.POST("/rooms/:room_id/messages", roomHandler.PostRoomMessage)

	grpcServer := server.NewGRPCServer()
	healthServer := server.RegisterServices(grpcServer)
	go server.WatchDatabase(ctx, healthServer, database, 15*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", cfg.GRPCAddr, err)
	}
	go func() {
		log.Printf("grpc listening addr=%s", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Printf("grpc server error: %v", err)
		}
	}()

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf("http listening addr=%s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down connections=%d", registry.Count())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	grpcServer.GracefulStop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("tracing shutdown error: %v", err)
	}
}

func connectRedis(ctx context.Context, addr string) *redis.Client {
	if addr == "" {
		log.Printf("room cache disabled: REDIS_ADDR not set")
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("room cache disabled: redis ping failed addr=%s err=%v", addr, err)
		client.Close()
		return nil
	}
	return client
}
