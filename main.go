package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/example/labkeeper/internal/account"
	cfg "github.com/example/labkeeper/internal/config"
	"github.com/example/labkeeper/internal/guard"
	"github.com/example/labkeeper/internal/identity"
	"github.com/example/labkeeper/internal/metrics"
	"github.com/example/labkeeper/internal/ratelimit"
	"github.com/example/labkeeper/internal/resource"
	"github.com/example/labkeeper/internal/store"
	"github.com/example/labkeeper/internal/token"
)

type App struct {
	DB             *store.Store
	Tokens         *token.Service
	Accounts       *account.Service
	Resources      *resource.Gateway
	Docs           *resource.Documents
	Limiter        ratelimit.Limiter
	Metrics        *metrics.Metrics
	AllowedOrigins []string

	log logrus.FieldLogger
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("write json")
	}
}

func newLogger(level, format string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	} else {
		l.WithField("level", level).Warn("unknown log level, using info")
	}
	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

func openStore(c *cfg.Config, log logrus.FieldLogger) (*store.Store, error) {
	switch c.DBAdapter {
	case "sqlite":
		return store.OpenSQLite(c.SQLiteFile)
	case "postgres":
		log.Info("applying database migrations")
		if err := ApplyMigrations("./migrations", c.PostgresDSN, log); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return store.OpenPostgres(c.PostgresDSN)
	case "memory":
		log.Warn("using in-memory database (not recommended for production)")
		return store.OpenMemory()
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}
}

// newApp wires the services on top of an open store.
func newApp(c *cfg.Config, db *store.Store, limiter ratelimit.Limiter, m *metrics.Metrics, log logrus.FieldLogger) (*App, error) {
	tokens := token.NewService(c.JwtSecret, c.AccessTTL(), c.RefreshTTL())
	ids := identity.NewResolver(c.APIKeys, db.Queries)
	accounts, err := account.New(db, tokens, ids, account.WithLogger(log))
	if err != nil {
		return nil, err
	}
	reg := resource.DefaultRegistry().Allow(c.ResourceTables)
	docs, err := resource.NewDocuments(reg, db)
	if err != nil {
		return nil, err
	}
	return &App{
		DB:             db,
		Tokens:         tokens,
		Accounts:       accounts,
		Resources:      resource.NewGateway(reg, db),
		Docs:           docs,
		Limiter:        limiter,
		Metrics:        m,
		AllowedOrigins: c.CORSAllowedOrigins,
		log:            log,
	}, nil
}

// chain wraps h so that mw[0] runs first.
// pinger is implemented by limiters backed by a remote store.
type pinger interface {
	Ping(ctx context.Context) error
}

func chain(h http.HandlerFunc, mw ...func(http.Handler) http.Handler) http.Handler {
	var out http.Handler = h
	for i := len(mw) - 1; i >= 0; i-- {
		out = mw[i](out)
	}
	return out
}

// Router builds the full handler tree.
func (a *App) Router() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "Resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})

	// Apply global middleware
	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	if a.Metrics != nil {
		r.Use(a.Metrics.Middleware)
		r.Handle("/metrics", a.Metrics.Handler()).Methods("GET")
	}

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.DB.Ping(ctx); err != nil {
			a.log.WithError(err).Warn("readiness: database unreachable")
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
		if p, ok := a.Limiter.(pinger); ok {
			if err := p.Ping(ctx); err != nil {
				a.log.WithError(err).Warn("readiness: rate limiter backend unreachable")
				writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
	}).Methods("GET")

	auth := r.PathPrefix("/auth").Subrouter()
	auth.Handle("/", chain(a.HandleExchangeAPIKey, a.RateLimit(ratelimit.APIKey))).Methods("POST")
	auth.Handle("/login", chain(a.HandleLogin, a.RateLimit(ratelimit.Login))).Methods("POST")
	auth.Handle("/refresh", chain(a.HandleRefresh, a.RequireRefresh)).Methods("POST")
	auth.Handle("/change_password", chain(a.HandleChangePassword, a.Authenticate)).Methods("POST")
	auth.Handle("/request_password_reset", chain(a.HandleRequestPasswordReset, a.RateLimit(ratelimit.ResetRequest))).Methods("POST")
	auth.HandleFunc("/perform_password_reset", a.HandlePerformPasswordReset).Methods("POST")
	auth.Handle("/register", chain(a.HandleRegister, a.OptionalAuth)).Methods("POST")
	auth.Handle("/create_invite", chain(a.HandleCreateInvite, a.Authenticate, a.RequireAdmin)).Methods("POST")
	auth.Handle("/me", chain(a.HandleMe, a.Authenticate)).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(a.Authenticate)

	meta := v1.PathPrefix("/meta").Subrouter()
	meta.Use(a.RequireScope(guard.ScopeDB))
	meta.HandleFunc("", a.HandleMeta).Methods("GET")
	meta.HandleFunc("/{table}", a.HandleDescribeTable).Methods("GET")

	tables := v1.PathPrefix("/table/{table}").Subrouter()
	tables.Use(a.RequireScope(guard.ScopeDB))
	tables.HandleFunc("", a.HandleListRows).Methods("GET")
	tables.HandleFunc("", a.HandleCreateRow).Methods("POST")
	tables.HandleFunc("/{id}", a.HandleGetRow).Methods("GET")
	tables.HandleFunc("/{id}", a.HandleUpdateRow).Methods("PUT")
	tables.HandleFunc("/{id}", a.HandleDeleteRow).Methods("DELETE")

	docs := v1.PathPrefix("/docs").Subrouter()
	docs.Use(a.RequireScope(guard.ScopeDoc))
	docs.HandleFunc("", a.HandleListDocs).Methods("GET")
	docs.HandleFunc("/{id}", a.HandleGetDoc).Methods("GET")

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(a.RequireAdmin)
	admin.HandleFunc("/users", a.HandleListUsers).Methods("GET")
	admin.HandleFunc("/users/{id}/scopes", a.HandleChangeScope).Methods("POST")
	admin.HandleFunc("/users/{id}/status", a.HandleSetUserStatus).Methods("POST")
	admin.HandleFunc("/invites/{code}/deactivate", a.HandleDeactivateInvite).Methods("POST")

	// CORS wraps the router so preflight requests never reach method matching.
	return a.CORS(r)
}

func main() {
	c, err := cfg.New()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := newLogger(c.LogLevel, c.LogFormat)

	db, err := openStore(c, log)
	if err != nil {
		log.Fatalf("%s init: %v", c.DBAdapter, err)
	}
	log.WithField("adapter", c.DBAdapter).Info("database ready")

	var limiter ratelimit.Limiter = ratelimit.NewMemory()
	var redisLimiter *ratelimit.Redis
	if c.RateRedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisLimiter, err = ratelimit.NewRedisFromURL(ctx, c.RateRedisURL)
		cancel()
		if err != nil {
			log.WithError(err).Warn("redis rate limiter unavailable, falling back to in-process limits")
		} else {
			limiter = redisLimiter
		}
	}

	app, err := newApp(c, db, limiter, metrics.New(prometheus.NewRegistry()), log)
	if err != nil {
		log.Fatalf("app init: %v", err)
	}

	srv := &http.Server{Handler: app.Router(), Addr: ":" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}

	go func() {
		log.WithField("port", c.Port).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown failed:%+v", err)
	}
	if redisLimiter != nil {
		_ = redisLimiter.Close()
	}
	_ = db.Close()
	log.Info("server exited properly")
}
