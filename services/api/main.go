// Command api serves the chat REST API and the conversation and presence websockets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"

	"github.com/livechat/internal/chat"
	"github.com/livechat/internal/config"
	"github.com/livechat/internal/events"
	"github.com/livechat/internal/handler"
	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/metrics"
	"github.com/livechat/internal/middleware"
	"github.com/livechat/internal/model"
	"github.com/livechat/internal/presence"
	"github.com/livechat/internal/push"
	"github.com/livechat/internal/repository"
	"github.com/livechat/internal/repository/memstore"
	"github.com/livechat/internal/startup"
	"github.com/livechat/internal/telemetry"
	"github.com/livechat/internal/ws"
	"github.com/livechat/migrations"
)

// stores is what the API needs from a backend, Postgres or in-memory.
type stores struct {
	users         chat.UserStore
	conversations chat.ConversationStore
	messages      chat.MessageStore
	resetOnline   func(context.Context) (int64, error)
}

func main() {
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	mem := flag.Bool("memstore", false, "keep everything in memory with demo users (no database)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel, *dev || *mem || os.Getenv("APP_ENV") != "production")
	logger.SetPrefix("api")
	defer logger.Sync()
	logger.Info("starting API service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, "livechat-api", cfg.OTLPEndpoint)
	if err != nil {
		logger.Errorf("telemetry: %v", err)
		os.Exit(1)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Errorf("telemetry shutdown: %v", err)
		}
	}()

	var st stores
	if *mem {
		st = memoryStores()
	} else {
		if *dev {
			embeddedDB, err := startEmbeddedPostgres(cfg)
			if err != nil {
				logger.Errorf("embedded postgres: %v", err)
				os.Exit(1)
			}
			defer func() {
				logger.Info("stopping embedded postgres...")
				if err := embeddedDB.Stop(); err != nil {
					logger.Errorf("embedded postgres stop: %v", err)
				}
			}()
		}
		pool, err := connectPostgres(ctx, cfg)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := runMigrations(ctx, pool); err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		if *migrate && !*dev {
			return
		}
		users := repository.NewUserRepository(pool)
		st = stores{
			users:         users,
			conversations: repository.NewConversationRepository(pool),
			messages:      repository.NewMessageRepository(pool),
			resetOnline:   users.ResetOnline,
		}
	}

	// no process holds connections yet, so nobody is online
	resetCtx, resetCancel := context.WithTimeout(ctx, 5*time.Second)
	if n, err := st.resetOnline(resetCtx); err != nil {
		logger.Errorf("reset online status: %v", err)
	} else if n > 0 {
		logger.Infof("reset %d stale online users", n)
	}
	resetCancel()

	rel, err := startup.ConnectRelay(ctx, cfg.Relay, time.Minute)
	if err != nil {
		logger.Errorf("relay: %v", err)
		os.Exit(1)
	}
	defer rel.Close()
	logger.Infof("relay backend %s", cfg.Relay.Backend)

	hub := ws.NewHub(cfg.WS.MaxConnections, rel)
	publisher := events.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, hostname())
	defer publisher.Close()
	logger.Infof("events publisher mode=%s", events.Mode(publisher))

	pushClient := push.NewClient(cfg.PushServiceURL)
	var notifier chat.Notifier
	if pushClient.Enabled() {
		notifier = pushClient
	}

	chatH := chat.NewHandler(chat.Deps{
		Hub:           hub,
		Users:         st.users,
		Conversations: st.conversations,
		Messages:      st.messages,
		Registry:      presence.NewRegistry(),
		Events:        publisher,
		Push:          notifier,
	}, chat.Options{
		PageSize:      cfg.Paging.Default,
		MaxPageSize:   cfg.Paging.Max,
		MaxBodyLength: cfg.MaxBodyLength,
	})

	hubCtx, hubCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	wsH := handler.NewWSHandler(hub, chatH, ws.Options{
		SendBuffer:     cfg.WS.SendBuffer,
		WriteWait:      cfg.WSWriteWait(),
		PongWait:       cfg.WSPongWait(),
		MaxMessageSize: cfg.WS.MaxMessageSize,
	}, cfg.CORSAllowedOrigins)
	userH := handler.NewUserHandler(chatH)
	msgH := handler.NewMessageHandler(chatH)
	pushH := handler.NewPushHandler(pushClient, cfg.VAPIDPublicKey)

	identity := middleware.DevIdentity
	if cfg.AuthServiceURL != "" {
		identity = middleware.AuthServiceValidate(cfg.AuthServiceURL, nil)
	} else {
		logger.Warnf("AUTH_SERVICE_URL not set, trusting X-User-ID")
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(metrics.HTTP)
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id", "X-Timestamp", "X-Signature", "X-User-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.With(middleware.InternalOnly(cfg.InternalSecret)).Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(identity)
		r.Use(middleware.RateLimit(200, 100, time.Minute))
		r.Get("/api/users/me", userH.GetMe)
		r.Put("/api/users/me/status", userH.UpdateStatus)
		r.Get("/api/users/me/friends/online", userH.OnlineFriends)
		r.Get("/api/conversations/{id}/messages", msgH.GetMessages)
		r.Post("/api/conversations/{id}/read", msgH.MarkAsRead)
		r.Get("/api/push/public-key", pushH.PublicKey)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
	})
	r.Group(func(r chi.Router) {
		r.Use(identity)
		r.Get("/ws/conversations/{id}", wsH.ServeConversation)
		r.Get("/ws/presence", wsH.ServePresence)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	// closing the hub disconnects every client, which reconciles presence
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "api"
	}
	return h
}

func connectPostgres(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
	poolCfg.MinConns = min(4, poolCfg.MaxConns)
	poolCfg.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   logger.NewPgxLogger(),
		LogLevel: logger.TraceLevel(cfg.LogLevel),
	}
	return startup.ConnectDB(ctx, poolCfg, 60*time.Second)
}

// runMigrations applies every embedded .sql file in name order. Each file is
// idempotent.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	files, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)
	for _, f := range files {
		data, err := migrations.Files.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("run migration %s: %w", f, err)
		}
	}
	logger.Infof("migrations applied (%d files)", len(files))
	return nil
}

func memoryStores() stores {
	s := memstore.New()
	seedDemo(s)
	return stores{
		users:         s.Users,
		conversations: s.Conversations,
		messages:      s.Messages,
		resetOnline:   s.Users.ResetOnline,
	}
}

// seedDemo creates three friends, a room and a direct conversation.
func seedDemo(s *memstore.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	for _, id := range []string{"alice", "bob", "carol"} {
		if err := s.Users.Create(ctx, &model.User{ID: id, DisplayName: strings.ToUpper(id[:1]) + id[1:], CreatedAt: now}); err != nil {
			logger.Errorf("seed user %s: %v", id, err)
		}
	}
	_ = s.Users.AddFriendship(ctx, "alice", "bob")
	_ = s.Users.AddFriendship(ctx, "alice", "carol")
	if err := s.Conversations.Create(ctx, &model.Conversation{ID: "lobby", Kind: model.ConversationRoom, Name: "Lobby", CreatedBy: "alice", CreatedAt: now}, []string{"alice", "bob", "carol"}); err != nil {
		logger.Errorf("seed room: %v", err)
	}
	if err := s.Conversations.Create(ctx, &model.Conversation{ID: "alice-bob", Kind: model.ConversationDirect, CreatedBy: "alice", CreatedAt: now}, []string{"alice", "bob"}); err != nil {
		logger.Errorf("seed direct: %v", err)
	}
	logger.Info("memstore seeded: users alice, bob, carol; conversations lobby, alice-bob")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "livechat"
		password = "livechat_secret"
		database = "livechat"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable", user, password, port, database)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
