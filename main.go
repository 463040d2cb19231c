package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"messenger-service/internal/calls"
	"messenger-service/internal/cluster"
	"messenger-service/internal/config"
	"messenger-service/internal/db"
	"messenger-service/internal/handlers"
	"messenger-service/internal/identity"
	"messenger-service/internal/middleware"
	"messenger-service/internal/notify"
	"messenger-service/internal/observability"
	"messenger-service/internal/presence"
	"messenger-service/internal/rabbitmq"
	"messenger-service/internal/repositories"
	"messenger-service/internal/repositories/memstore"
	"messenger-service/internal/services"
	"messenger-service/internal/telemetry"
	"messenger-service/internal/typing"
	"messenger-service/internal/ws"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		observability.Logger().Error("config load failed", "error", err)
		os.Exit(1)
	}
	log := observability.InitLogger(cfg.Log.Level, cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.ServiceName, cfg.OTel.Endpoint)
	if err != nil {
		log.Error("tracing init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	checks := map[string]handlers.HealthCheck{}

	var store repositories.Store
	switch cfg.Store.Backend {
	case "memory":
		log.Warn("using in-memory store, state is lost on restart")
		store = memstore.New()
	default:
		database, err := db.Connect(ctx, cfg.DB.Driver, cfg.DB.DSN)
		if err != nil {
			log.Error("failed to connect to db", "error", err)
			os.Exit(1)
		}
		defer database.Close()
		store = repositories.NewPostgresStore(database)
		checks["db"] = database.PingContext
	}

	provider, closeProvider, err := newIdentityProvider(cfg)
	if err != nil {
		log.Error("identity provider init failed", "error", err)
		os.Exit(1)
	}
	defer closeProvider()

	// socket lifecycle events and audit records always go to the AMQP bus
	eventBus := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	defer eventBus.Close()
	observability.SetPublisher(eventBus)
	log.Info("event bus ready", "mode", rabbitmq.PublisherMode(eventBus), "noop_reason", rabbitmq.PublisherNoopReason(eventBus))
	audit := telemetry.NewAuditEmitter(eventBus, "audit."+cfg.ServiceName, cfg.ServiceName, cfg.Env)

	var notifyPublisher notify.Publisher = notify.Noop{}
	switch cfg.Notify.Backend {
	case "amqp":
		notifyPublisher = eventBus
	case "nats":
		natsPublisher, err := notify.NewNATSPublisher(cfg.NATS.URL)
		if err != nil {
			log.Error("nats connect failed", "url", cfg.NATS.URL, "error", err)
			os.Exit(1)
		}
		defer natsPublisher.Close()
		notifyPublisher = natsPublisher
		checks["nats"] = func(context.Context) error {
			if !natsPublisher.Connected() {
				return errors.New("nats disconnected")
			}
			return nil
		}
	}
	bridge := notify.NewBridge(notifyPublisher)

	hub := ws.NewHub()
	var mirror ws.PresenceMirror
	if cfg.Redis.Addr != "" {
		redisClient, err := cluster.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Error("redis connect failed", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		relay := cluster.NewRedisRelay(redisClient, hub)
		hub.SetRelay(relay)
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Error("relay stopped", "error", err)
			}
		}()
		mirror = cluster.NewPresenceMirror(redisClient)
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
		log.Info("cross-node fan-out enabled", "node_id", relay.NodeID())
	}

	presenceRegistry := presence.NewRegistry()
	typingTracker := typing.NewTracker(cfg.Typing.TTL)
	go typingTracker.Run(ctx, cfg.Typing.SweepInterval, ws.TypingExpired(hub))
	callRegistry := calls.NewRegistry(cfg.Calls.RingTimeout, func(out calls.Outcome) { ws.DeliverCall(hub, out) })

	policy := services.Policy{
		ModeratorRoles:  cfg.Moderation.Roles,
		MaxParticipants: cfg.Conversation.MaxParticipants,
		InviteTTL:       cfg.Invites.TTL,
	}
	directory := services.NewDirectory(store, 0)
	conversationService := services.NewConversationService(store, hub, bridge, presenceRegistry, policy)
	messageService := services.NewMessageService(store, hub, bridge, presenceRegistry, audit, policy)
	go conversationService.RunInviteExpiry(ctx, cfg.Invites.SweepInterval)

	deps := ws.Deps{
		Hub:           hub,
		Provider:      provider,
		Observer:      directory,
		Presence:      presenceRegistry,
		Typing:        typingTracker,
		Calls:         callRegistry,
		Conversations: conversationService,
		Messages:      messageService,
		Mirror:        mirror,
		RateLimit:     cfg.WS.RateLimit,
		Burst:         cfg.WS.Burst,
	}

	router := newRouter(cfg, routerDeps{
		conversations: handlers.NewConversationHandler(conversationService),
		messages:      handlers.NewMessageHandler(messageService),
		presence:      handlers.NewPresenceHandler(presenceRegistry),
		health:        handlers.NewHealthHandler(cfg.ServiceName, checks, presenceRegistry.OnlineCount),
		chatWS:        ws.NewChatGateway(deps),
		notifyWS:      ws.NewNotificationGateway(deps),
		auth:          middleware.AuthMiddleware(provider, directory),
		audit:         audit,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("http server listening", "addr", srv.Addr, "store", cfg.Store.Backend, "auth", cfg.Auth.Mode, "notify", cfg.Notify.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
}

func newIdentityProvider(cfg *config.Config) (identity.Provider, func(), error) {
	if cfg.Auth.Mode == "grpc" {
		conn, err := identity.DialAuthService(cfg.Auth.GRPCAddr, observability.GRPCClientMetricsUnaryInterceptor())
		if err != nil {
			return nil, nil, err
		}
		return identity.NewGRPCProvider(conn), func() { _ = conn.Close() }, nil
	}
	return identity.NewJWTProvider(cfg.Auth.JWTSecret), func() {}, nil
}

type routerDeps struct {
	conversations *handlers.ConversationHandler
	messages      *handlers.MessageHandler
	presence      *handlers.PresenceHandler
	health        *handlers.HealthHandler
	chatWS        *ws.Gateway
	notifyWS      *ws.Gateway
	auth          gin.HandlerFunc
	audit         *telemetry.AuditEmitter
}

func newRouter(cfg *config.Config, d routerDeps) *gin.Engine {
	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(middleware.RequestID())
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", d.health.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// sockets authenticate during the handshake
	router.GET("/ws/chat", d.chatWS.Handle)
	router.GET("/ws/notifications", d.notifyWS.Handle)

	api := router.Group("/", d.auth)
	api.POST("/conversations", d.conversations.CreateConversation)
	api.GET("/conversations", d.conversations.ListConversations)
	api.GET("/conversations/:conversation_id", d.conversations.GetConversation)
	api.PATCH("/conversations/:conversation_id", d.conversations.UpdateConversation)
	api.DELETE("/conversations/:conversation_id", d.conversations.DeleteConversation)
	api.POST("/conversations/:conversation_id/participants", d.conversations.AddParticipant)
	api.PATCH("/conversations/:conversation_id/participants/:user_id", d.conversations.UpdateParticipant)
	api.DELETE("/conversations/:conversation_id/participants/:user_id", d.conversations.RemoveParticipant)
	api.POST("/conversations/:conversation_id/invites", d.conversations.CreateInvite)
	api.GET("/invites", d.conversations.ListInvites)
	api.POST("/invites/:invite_id/accept", d.conversations.AcceptInvite)
	api.POST("/invites/:invite_id/decline", d.conversations.DeclineInvite)

	api.GET("/conversations/:conversation_id/messages", d.messages.GetConversationMessages)
	api.POST("/conversations/:conversation_id/messages", d.messages.SendMessage)
	api.PATCH("/conversations/:conversation_id/messages/:message_id", d.messages.UpdateMessage)
	api.DELETE("/conversations/:conversation_id/messages/:message_id", d.messages.DeleteMessage)
	api.POST("/conversations/:conversation_id/messages/:message_id/read", d.messages.MarkMessageAsRead)
	api.POST("/conversations/:conversation_id/messages/:message_id/reactions", d.messages.ToggleReaction)
	api.GET("/conversations/:conversation_id/messages/:message_id/reactions", d.messages.ListReactions)
	api.PUT("/conversations/:conversation_id/messages/:message_id/pin", d.messages.PinMessage)
	api.GET("/conversations/:conversation_id/messages/:message_id/statuses", d.messages.GetMessageStatuses)
	api.POST("/conversations/:conversation_id/read", d.messages.MarkConversationAsRead)
	api.GET("/unread", d.messages.UnreadCounts)
	api.GET("/presence", d.presence.GetPresence)

	handlers.RegisterDebugRoutes(api, d.audit, cfg.Debug.Enabled)
	return router
}
