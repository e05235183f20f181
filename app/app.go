package aeko

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/cors"

	"github.com/MilliHub-dev/Aeko-backend-sub001/core"
	"github.com/MilliHub-dev/Aeko-backend-sub001/pkg/router"
)

type App struct {
	config    *Config
	db        *core.SQLiteDB
	context   context.Context
	server    *http.Server
	logger    *slog.Logger
	router    *router.Router
	hub       *core.Hub
	transport *core.Transport

	exit chan int

	identStore *core.SQLiteIdentityStore
	store      core.StorePort

	identityHandler *IdentityHandler
	roomHandler     *RoomHandler
	streamHandler   *StreamHandler
	blobHandler     *BlobHandler

	cleanupFuncs []func(context.Context)

	wg sync.WaitGroup
}

func New(ctx context.Context, config *Config) *App {
	var err error
	app := &App{
		exit: make(chan int),
	}
	if ctx == nil {
		ctx, _ = signal.NotifyContext(
			context.Background(),
			syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	}
	app.context = ctx

	if config == nil {
		var err error
		config, err = LoadConfig()
		if err != nil {
			failed(1, "failed to load config: %v\n", err)
		}
	}
	if err := config.Validate(); err != nil {
		failed(1, FormatValidationErrors(err))
	}
	app.config = config

	app.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))

	sqliteOptions := &core.SQLiteDBOption{
		Mode:          "rwc",
		Cache:         "shared",
		JournalMode:   "WAL",
		BusyTimeoutMS: app.config.SQLite.BusyTimeoutMS,
	}
	app.db, err = core.NewSQLiteDB(app.config.SQLite.File, app.config.SQLite.Migrations, sqliteOptions)
	if err != nil {
		failed(1, "failed to open database: %v\n", err)
	}
	app.AddCleanupFunc(func(ctx context.Context) {
		app.db.Close()
	})
	if err := app.db.Migrate(); err != nil {
		failed(1, "failed to migrate database: %v\n", err)
	}

	app.identStore = core.NewSQLiteIdentityStore(app.db.DB, app.config.Auth.Secret,
		time.Duration(app.config.Auth.TokenTTLMin)*time.Minute)
	app.store = core.NewSQLiteStore(app.db.DB)

	app.hub = core.NewHub(app.context, core.HubConfig{
		RoomShards:        app.config.Hub.RoomShards,
		TypingTTL:         time.Duration(app.config.Hub.TypingTTLMS) * time.Millisecond,
		PresenceDebounce:  time.Duration(app.config.Hub.PresenceDebounceMS) * time.Millisecond,
		EditWindow:        time.Duration(app.config.Hub.EditWindowMS) * time.Millisecond,
		HistoryLimit:      app.config.Hub.HistoryLimit,
		AIContextWindow:   app.config.Hub.AIContextWindow,
		DedupeWindow:      time.Duration(app.config.Hub.DedupeWindowMS) * time.Millisecond,
		OpTimeout:         time.Duration(app.config.Hub.OpTimeoutMS) * time.Millisecond,
		StreamChatEnabled: true,
	}, app.identStore, app.store, app.logger)
	app.AddCleanupFunc(func(ctx context.Context) {
		app.hub.Stop()
	})

	app.transport = core.NewTransport(app.identStore, core.TransportConfig{
		MaxFrameBytes: app.config.WS.MaxFrameBytes,
		OutboundHWM:   app.config.WS.OutboundHWM,
		ControlRate:   app.config.WS.ControlRate,
		DataRate:      app.config.WS.DataRate,
		RateWindow:    time.Duration(app.config.WS.RateWindowMS) * time.Millisecond,
		RelationsTTL:  time.Duration(app.config.WS.RelationsTTLMS) * time.Millisecond,
		Features:      []string{"chat", "streams", "signaling", "presence"},
	}, app.logger, &app.wg)
	app.transport.OnConnect(app.hub.HandleConnect)
	app.transport.OnFrame(app.hub.HandleFrame)
	app.transport.OnClose(app.hub.HandleClose)

	if app.config.AI.Endpoint != "" {
		ai := NewHTTPAIClient(app.config.AI.Endpoint, app.config.AI.APIKey,
			time.Duration(app.config.AI.TimeoutMS)*time.Millisecond)
		app.hub.OnMessage(AIAutoReply(app.context, app.hub, app.identStore, ai,
			app.config.Hub.AIContextWindow, app.logger))
	}
	if app.config.Push.Endpoint != "" {
		push := NewHTTPPushClient(app.config.Push.Endpoint,
			time.Duration(app.config.Push.TimeoutMS)*time.Millisecond)
		app.hub.OnMessage(PushDispatch(app.context, app.hub, push, app.logger))
	}

	blobStore, err := NewFSBlobStore(app.config.Blob.Dir, "/api/blobs")
	if err != nil {
		failed(1, "failed to open blob store: %v\n", err)
	}
	app.blobHandler = NewBlobHandler(blobStore, app.config.Blob.MaxBytes)

	app.identityHandler = NewIdentityHandler(app.identStore)
	app.roomHandler = NewRoomHandler(app.hub)
	app.streamHandler = NewStreamHandler(app.hub)
	authMiddleware := BearerMiddleware(app.identStore)

	app.router = router.New(router.WithLogger(app.logger))

	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	app.router.Router.Get("/ws", app.transport.ServeHTTP)

	api := router.New(router.WithLogger(app.logger))

	api.Route("/auth", func(r *router.Router) {
		r.Post("/signup", app.identityHandler.SignupHandler)
		r.Post("/signin", app.identityHandler.SigninHandler)
	})

	api.Route("/identities", func(r *router.Router) {
		r.With(authMiddleware).Get("/me", app.identityHandler.MeHandler)
		r.With(authMiddleware).Get("/{identityID}", app.identityHandler.GetHandler)
		r.With(authMiddleware).Post("/{identityID}/follow", app.identityHandler.FollowHandler)
		r.With(authMiddleware).Post("/{identityID}/block", app.identityHandler.BlockHandler)
	})

	api.Group(func(r *router.Router) {
		r.Use(authMiddleware)
		r.Post("/rooms", app.roomHandler.CreateGroupHandler)
		r.Post("/rooms/direct", app.roomHandler.EnsureDirectHandler)
		r.Get("/rooms/{roomID}/messages", app.roomHandler.HistoryHandler)
		r.Post("/streams", app.streamHandler.CreateHandler)
		r.Get("/streams/{streamID}", app.streamHandler.GetHandler)
		r.Post("/streams/{streamID}/start", app.streamHandler.StartHandler)
		r.Post("/streams/{streamID}/end", app.streamHandler.EndHandler)
		r.Get("/streams/{streamID}/bans", app.streamHandler.BansHandler)
		r.Post("/blobs", app.blobHandler.UploadHandler)
		r.Get("/blobs/{blobID}", app.blobHandler.DownloadHandler)
	})

	app.router.Mount("/api", api)

	app.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", app.config.Hostname, app.config.Port),
		Handler: app.router.Router,
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}

	return app
}

func (app *App) Start() {
	// listen for shutdown signal
	go func() {
		<-app.context.Done()
		close(app.exit)
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		var wg sync.WaitGroup

		for _, f := range app.cleanupFuncs {
			wg.Add(1)
			func(wg *sync.WaitGroup) {
				defer wg.Done()
				f(closeCtx)
			}(&wg)

		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			app.logger.Info("app shutdown gracefully")
			app.exit <- 0
		case <-closeCtx.Done():
			app.logger.Info("app shutdown timed out")
			app.exit <- 1

		}

	}()

	app.AddCleanupFunc(func(ctx context.Context) {
		app.server.Shutdown(ctx)
	})
	app.logger.Info(fmt.Sprintf("hub listening on %s:%d",
		app.config.Hostname, app.config.Port))

	err := app.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		failed(1, "server error: %v\n", err)
	}

	code := <-app.exit
	if code != 0 {
		failed(code, "app exit with code: %d\n", code)
	} else {
		os.Exit(code)
	}

}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

func failed(code int, s string, args ...interface{}) {
	fmt.Printf(s, args...)
	os.Exit(code)
}
