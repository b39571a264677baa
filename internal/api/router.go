package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tsbridge/internal/auth"
	"tsbridge/internal/config"
	"tsbridge/internal/events"
	"tsbridge/internal/host"
	"tsbridge/internal/metrics"
	"tsbridge/internal/plugins"
)

// Server represents the API server
type Server struct {
	router       *chi.Mux
	passwordAuth *auth.PasswordAuth
	jwtManager   *auth.JWTManager
	authMw       *auth.Middleware
	wsTokenStore *auth.WSTokenStore
	eventStore   *events.Store
	config       *config.Config
	registry     *host.Memory
	metrics      *metrics.Metrics
	plugins      *plugins.Registry
}

// NewServer creates the API server. metrics and pluginRegistry may be nil.
func NewServer(cfg *config.Config, eventStore *events.Store, registry *host.Memory, m *metrics.Metrics, pluginRegistry *plugins.Registry) *Server {
	jwtManager := auth.NewJWTManager(cfg.JWTSecret(), cfg.JWTExpiration())

	s := &Server{
		router:       chi.NewRouter(),
		passwordAuth: auth.NewPasswordAuth(cfg),
		jwtManager:   jwtManager,
		authMw:       auth.NewMiddleware(jwtManager),
		wsTokenStore: auth.NewWSTokenStore(),
		eventStore:   eventStore,
		config:       cfg,
		registry:     registry,
		metrics:      m,
		plugins:      pluginRegistry,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.router

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// Create handlers
	authHandler := NewAuthHandler(s.passwordAuth, s.jwtManager, s.wsTokenStore, s.eventStore, s.config)
	eventsHandler := NewEventsHandler(s.eventStore, s.wsTokenStore)
	registryHandler := NewRegistryHandler(s.registry)
	pluginHandler := NewPluginHandler(s.plugins, s.eventStore)

	// Public routes
	r.Post("/api/auth/login", authHandler.Login)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	// Protected API routes
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		// Auth
		r.Post("/api/auth/logout", authHandler.Logout)
		r.Get("/api/auth/me", authHandler.Me)
		r.Post("/api/auth/refresh", authHandler.Refresh)
		r.Get("/api/auth/ws-token", authHandler.WSToken)

		// Events
		r.Get("/api/events", eventsHandler.List)
		r.Get("/api/events/ws", eventsHandler.Stream)

		// Registry
		r.Get("/api/devices", registryHandler.ListDevices)
		r.Get("/api/devices/{id}", registryHandler.GetDevice)
		r.Get("/api/variables", registryHandler.ListVariables)

		// Plugins
		r.Get("/api/plugins", pluginHandler.List)
		r.Get("/api/plugins/{name}", pluginHandler.Get)

		// Admin only
		r.Group(func(r chi.Router) {
			r.Use(s.authMw.RequireAdmin)

			r.Post("/api/auth/password", authHandler.ChangePassword)

			r.Put("/api/devices/{id}", registryHandler.RenameDevice)
			r.Delete("/api/devices/{id}", registryHandler.DeleteDevice)
			r.Put("/api/devices/{id}/states/{state}", registryHandler.SetState)
			r.Put("/api/variables/{id}", registryHandler.SetVariable)
			r.Delete("/api/variables/{id}", registryHandler.DeleteVariable)

			r.Post("/api/plugins/{name}/enable", pluginHandler.Enable)
			r.Post("/api/plugins/{name}/disable", pluginHandler.Disable)
		})
	})

	// Register plugin routes
	s.registerPluginRoutes(r)
}

// authenticate is the token check, or a fake admin user in no-auth mode
func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.config.NoAuth() {
		return s.fakeAuthMiddleware(next)
	}
	return s.authMw.RequireAuth(next)
}

// registerPluginRoutes registers the routes of every plugin.
// Requests to a disabled plugin answer 404, so plugins can be enabled at runtime.
func (s *Server) registerPluginRoutes(r chi.Router) {
	if s.plugins == nil {
		return
	}

	for _, plugin := range s.plugins.All() {
		routes := plugin.Routes()
		if routes == nil {
			continue
		}

		for _, route := range routes {
			handler := s.pluginHandler(plugin, route)

			switch route.Method {
			case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
				r.Method(route.Method, route.Path, handler)
			default:
				log.Printf("Unknown HTTP method for plugin route: %s %s", route.Method, route.Path)
				continue
			}

			log.Printf("Registered plugin route: %s %s (auth=%v, admin=%v, plugin=%s)",
				route.Method, route.Path, route.RequireAuth, route.RequireAdmin, plugin.Name())
		}
	}
}

func (s *Server) pluginHandler(plugin plugins.Plugin, route plugins.Route) http.Handler {
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !plugin.IsEnabled() {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Plugin is disabled"})
			return
		}
		route.Handler(w, r)
	})

	if route.RequireAdmin {
		h = s.authMw.RequireAdmin(h)
	}
	if route.RequireAuth || route.RequireAdmin {
		h = s.authenticate(h)
	}
	return h
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// writeJSON writes JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes {"error": msg}
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fakeAuthMiddleware injects a fake admin user for no-auth mode
func (s *Server) fakeAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fakeUser := &auth.User{
			Username: "dev",
			Role:     auth.RoleAdmin,
		}
		ctx := auth.SetUserContext(r.Context(), fakeUser)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
