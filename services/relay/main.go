package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/auditmarket/chat/internal/auth"
	"github.com/auditmarket/chat/internal/config"
	"github.com/auditmarket/chat/internal/fileserver"
	"github.com/auditmarket/chat/internal/handler"
	"github.com/auditmarket/chat/internal/logger"
	"github.com/auditmarket/chat/internal/middleware"
	"github.com/auditmarket/chat/internal/model"
	"github.com/auditmarket/chat/internal/push"
	"github.com/auditmarket/chat/internal/repository"
	"github.com/auditmarket/chat/internal/repository/memrepo"
	"github.com/auditmarket/chat/internal/startup"
	"github.com/auditmarket/chat/internal/storage"
	"github.com/auditmarket/chat/internal/storage/memory"
	"github.com/auditmarket/chat/internal/ws"
)

type roomStore interface {
	handler.RoomRepo
	ws.RoomStore
}

type messageStore interface {
	handler.MessageRepo
	ws.MessageStore
}

type reactionStore interface {
	handler.ReactionRepo
	ws.ReactionStore
}

type repos struct {
	rooms     roomStore
	messages  messageStore
	reactions reactionStore
}

func main() {
	logger.SetPrefix("relay")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	inMemory := flag.Bool("memory", false, "keep rooms and messages in memory (no database)")
	mintUser := flag.String("mint", "", "print a token for this user id and exit")
	mintName := flag.String("name", "", "display name for -mint")
	genVAPID := flag.Bool("gen-vapid", false, "print a fresh VAPID key pair and exit")
	flag.Parse()

	cfg := config.Load()
	if cfg.LogLevel != "" {
		logger.SetLevel(cfg.LogLevel)
	}
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)

	switch {
	case *genVAPID:
		keys, err := push.GenerateVAPIDKeys()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate vapid keys: %v\n", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(keys)
		return
	case *mintUser != "":
		name := *mintName
		if name == "" {
			name = *mintUser
		}
		tk, err := issuer.Issue(model.Profile{ID: *mintUser, DisplayName: name})
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(tk)
		return
	}

	logger.Info("starting relay")

	var db repos
	if *inMemory {
		mem := memrepo.New()
		db = repos{rooms: mem.Rooms(), messages: mem.Messages(), reactions: mem.Reactions()}
		logger.Info("using in-memory repositories")
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

		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 2

		pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
		defer pool.Close()

		migCtx, migCancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = startup.RunMigrations(migCtx, pool)
		migCancel()
		if err != nil {
			logger.Errorf("migrations: %v", err)
			os.Exit(1)
		}
		if *migrate && !*dev {
			logger.Info("migrations applied")
			return
		}
		db = repos{
			rooms:     repository.NewRoomRepository(pool),
			messages:  repository.NewMessageRepository(pool),
			reactions: repository.NewReactionRepository(pool),
		}
		logger.Info("database connected, migrations applied")
	}

	var store storage.Store
	if cfg.RedisURL != "" {
		store = startup.ConnectRedisWithRetry(cfg.RedisURL, 60*time.Second, "")
		logger.Info("redis connected")
	} else {
		store = memory.New()
		logger.Info("REDIS_URL not set, presence and push subscriptions kept in memory")
	}
	defer store.Close()

	resetCtx, resetCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := store.ResetPresence(resetCtx); err != nil {
		logger.Errorf("reset presence: %v", err)
	}
	resetCancel()

	clientCfg := handler.ClientConfig{MaxUploadSize: cfg.MaxUploadSize}
	var notifier ws.PushNotifier
	if !cfg.Push.Disabled {
		keys, err := push.EnsureVAPIDKeys(cfg.Push.VAPIDKeysFile)
		if err != nil {
			logger.Errorf("vapid keys: %v (push disabled)", err)
		} else {
			n := push.NewNotifier(store, keys, cfg.Push.Subscriber)
			if n.Enabled() {
				notifier = n
				clientCfg.PushEnabled = true
				clientCfg.VAPIDPublicKey = keys.PublicKey
			}
		}
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(db.rooms, db.messages, db.reactions, store, notifier, cfg.MaxWSConnections)
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	router := handler.NewRouter(handler.RouterDeps{
		Verifier:       issuer,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		InternalSecret: cfg.InternalSecret,
		RateByIP:       middleware.RateConfig{RPS: cfg.RateLimit.IPPerSecond, Burst: cfg.RateLimit.IPBurst},
		RateByUser:     middleware.RateConfig{RPS: cfg.RateLimit.UserPerSecond, Burst: cfg.RateLimit.UserBurst},
		Rooms:          handler.NewRoomHandler(db.rooms, db.messages),
		Messages:       handler.NewMessageHandler(db.messages, db.rooms, db.reactions),
		Files:          handler.NewFileHandler(fileserver.New(cfg.UploadDir), db.rooms, cfg.MaxUploadSize),
		Push:           handler.NewPushHandler(store),
		Config:         handler.NewConfigHandler(clientCfg),
		Tokens:         handler.NewTokenHandler(issuer),
		WS:             handler.NewWSHandler(hub, cfg.CORSAllowedOrigins),
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("relay listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
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
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "chat"
		password = "chat_secret"
		database = "chat"
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

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
