package chatline

import (
	"context"
	"errors"
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
	"github.com/putto11262002/chatline/core"
	"github.com/putto11262002/chatline/pkg/router"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
)

type App struct {
	config      *Config
	db          *core.SQLiteDB
	context     context.Context
	server      *http.Server
	logger      *slog.Logger
	router      *router.Router
	eventRouter *core.EventRouter
	wsManager   *core.ConnManager
	rooms       *core.RoomRegistry

	userStore core.UserStore
	chatStore core.ChatStore
	authStore core.AuthStore

	userHandler *UserHandler
	chatHandler *ChatHandler
	authHandler *AuthHandler

	mu           sync.Mutex
	cleanupFuncs []func(context.Context) error
	wg           conc.WaitGroup
}

// New wires the application. If ctx is nil the app lives until an interrupt signal.
// If config is nil it is loaded with LoadConfig.
func New(ctx context.Context, config *Config) (*App, error) {
	var err error
	app := &App{}
	if ctx == nil {
		ctx, _ = signal.NotifyContext(
			context.Background(),
			syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	}
	app.context = ctx

	if config == nil {
		config, err = LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%s", FormatValidationErrors(err))
	}
	app.config = config
	app.logger = newLogger(config.Mode)

	sqliteOptions := &core.SQLiteDBOption{
		Mode:        config.SQLite.Mode,
		Cache:       "shared",
		BusyTimeout: 5000,
	}
	if config.SQLite.Mode != "memory" {
		sqliteOptions.JournalMode = "WAL"
	}
	app.db, err = core.NewSQLiteDB(config.SQLite.File, config.SQLite.Migrations, sqliteOptions)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	app.AddCleanupFunc(func(ctx context.Context) error {
		return app.db.Close()
	})
	if err := app.db.Migrate(); err != nil {
		app.db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	app.userStore = core.NewSQLiteUserStore(app.db.DB)
	app.authStore = core.NewSQLiteAuthStore(app.db.DB, app.userStore, config.Auth.Secret,
		core.WithTokenExp(config.Auth.TokenExp))
	app.chatStore = core.NewSQLiteChatStore(app.db.DB, app.userStore)
	app.rooms = core.NewRoomRegistry()

	var authenticator core.Authenticator
	switch config.WS.Identity {
	case QueryIdentity:
		authenticator = core.NewQueryAuthenticator(config.WS.IdentityParam)
	default:
		authenticator = core.NewTokenAuthenticator(app.authStore)
	}

	app.wsManager = core.NewConnManager(app.context, app.logger, authenticator, app.userStore,
		core.WithSendBufferSize(config.WS.SendBuffer))
	app.wsManager.OnUserConnected(app.onUserConnected)
	app.wsManager.OnConnectionClosed(app.onConnectionClosed)
	app.wsManager.OnUserDisconnected(app.onUserDisconnected)
	app.AddCleanupFunc(app.wsManager.Close)

	app.eventRouter = core.NewEventRouter(app.logger, app.wsManager)
	app.wsManager.OnEvent(app.eventRouter.Dispatch)
	app.registerEventHandlers()

	app.userHandler = NewUserHandler(app.userStore)
	app.chatHandler = NewChatHandler(app.chatStore)
	app.authHandler = NewAuthHandler(app.authStore)

	app.router = app.routes()

	app.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Hostname, config.Port),
		Handler: app.router,
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}
	if config.Mode == ProdMode {
		app.server.TLSConfig = defaultTLSConfig()
	}

	return app, nil
}

func newLogger(mode string) *slog.Logger {
	level := slog.LevelInfo
	if mode == DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level,
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
}

func (app *App) routes() *router.Router {
	authMiddleware := core.JWTMiddleware(app.authStore)

	r := router.New(router.WithLogger(app.logger))
	registerErrorMappers(r)

	r.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := app.wsManager.Connect(w, r); err != nil {
			app.logger.Debug(fmt.Sprintf("connect: %v", err))
		}
	})

	r.Route("/api", func(api *router.Router) {
		api.Route("/users", func(r *router.Router) {
			r.Post("/", app.userHandler.RegisterUserHandler)
			r.With(authMiddleware).Get("/", app.userHandler.GetUsersHandler)
			r.With(authMiddleware).Get("/me", app.userHandler.MeHandler)
			r.With(authMiddleware).Get("/me/chats", app.chatHandler.GetMyChatsHandler)
			r.Get("/{username}", app.userHandler.GetUserByUsernameHandler)
		})

		api.Route("/auth", func(r *router.Router) {
			r.Post("/signin", app.authHandler.SigninHandler)
			r.With(authMiddleware).Post("/signout", app.authHandler.SignoutHandler)
		})

		api.Group(func(r *router.Router) {
			r.Use(authMiddleware)
			r.Post("/chats", app.chatHandler.CreateChatHandler)
			r.Get("/chats/{chatID}", app.chatHandler.GetChatByIDHandler)
			r.Get("/chats/{chatID}/messages", app.chatHandler.GetChatMessagesHandler)
			r.Post("/chats/{chatID}/participants", app.chatHandler.AddParticipantHandler)
			r.Delete("/chats/{chatID}/participants/{username}", app.chatHandler.RemoveParticipantHandler)
			r.Get("/messages/{messageID}/reads", app.chatHandler.GetReadReceiptsHandler)
		})
	})

	return r
}

// Handler returns the root http handler of the app.
func (app *App) Handler() http.Handler {
	return app.router
}

// Run starts the background workers and serves until the app context is done,
// then runs every cleanup function.
func (app *App) Run() error {
	app.wg.Go(func() {
		app.sweepRooms(app.context, app.config.Chat.SweepInterval)
	})
	app.AddCleanupFunc(func(ctx context.Context) error {
		return app.server.Shutdown(ctx)
	})

	serveErr := make(chan error, 1)
	go func() {
		app.logger.Info(fmt.Sprintf("app running in %s mode on: %s:%d",
			app.config.Mode, app.config.Hostname, app.config.Port))
		var err error
		if app.config.TLS.Key != "" && app.config.TLS.Crt != "" {
			err = app.server.ListenAndServeTLS(app.config.TLS.Crt, app.config.TLS.Key)
		} else {
			err = app.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var err error
	select {
	case err = <-serveErr:
	case <-app.context.Done():
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	return multierr.Append(err, app.Shutdown(closeCtx))
}

// Start runs the app and exits the process when it stops.
func (app *App) Start() {
	if err := app.Run(); err != nil {
		failed(1, "app exit with error: %v\n", err)
	}
	app.logger.Info("app shutdown gracefully")
	os.Exit(0)
}

// Shutdown runs the cleanup functions concurrently and waits for the
// background workers. The returned error combines every cleanup failure.
func (app *App) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	funcs := app.cleanupFuncs
	app.cleanupFuncs = nil
	app.mu.Unlock()

	var (
		mu   sync.Mutex
		errs error
		wg   conc.WaitGroup
	)
	for _, f := range funcs {
		wg.Go(func() {
			if err := f(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return errs
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		return multierr.Append(errs, fmt.Errorf("shutdown: %w", ctx.Err()))
	}
}

func (app *App) AddCleanupFunc(f func(context.Context) error) {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

func failed(code int, s string, args ...interface{}) {
	fmt.Printf(s, args...)
	os.Exit(code)
}
