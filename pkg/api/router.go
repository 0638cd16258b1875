package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/fleetops/kbmapi/pkg/authn"
	"github.com/fleetops/kbmapi/pkg/pivtoken"
	"github.com/fleetops/kbmapi/pkg/recoveryconfig"
	"github.com/fleetops/kbmapi/pkg/recoverytoken"
)

// Server wires the route table of spec.md §6 over the model-service
// packages.
type Server struct {
	PIVTokens       *pivtoken.Service
	RecoveryTokens  *recoverytoken.Service
	RecoveryConfigs *recoveryconfig.Service
	Authenticator   *authn.Authenticator
	ServerName      string
	CORSOrigins     []string
	Logger          *slog.Logger

	// Live, optional: when set, overrides ServerName/CORSOrigins on
	// every request with the hot-reloaded values from
	// internal/config.Watcher (SPEC_FULL.md §4.10).
	Live func() (serverName string, corsOrigins []string)
}

// Router builds the mounted chi.Router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(responseHeaders(s.serverName))
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  s.corsOriginAllowed,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Version", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/pivtokens", func(r chi.Router) {
		r.Get("/", s.listPIVTokens)
		r.Post("/", s.createPIVToken)
		r.Route("/{guid}", func(r chi.Router) {
			r.Use(s.loadPIVToken)
			r.Get("/", s.getPIVToken)
			r.Delete("/", s.withAuth(s.deletePIVToken))
			r.Get("/pin", s.withAuth(s.getPIVTokenPin))
			r.Post("/replace", s.withAuth(s.replacePIVToken))

			r.Route("/recovery-tokens", func(r chi.Router) {
				r.Use(s.requireAuth)
				r.Get("/", s.listRecoveryTokens)
				r.Post("/", s.createRecoveryToken)
				r.Route("/{uuid}", func(r chi.Router) {
					r.Get("/", s.getRecoveryToken)
					r.Put("/", s.updateRecoveryToken)
					r.Delete("/", s.deleteRecoveryToken)
				})
			})
		})
	})

	r.Route("/recovery-configurations", func(r chi.Router) {
		r.Get("/", s.listRecoveryConfigurations)
		r.Post("/", s.createRecoveryConfiguration)
		r.Route("/{uuid}", func(r chi.Router) {
			r.Get("/", s.getRecoveryConfiguration)
			r.Put("/", s.doRecoveryConfigurationAction)
			r.Delete("/", s.deleteRecoveryConfiguration)
			r.Get("/recovery-tokens", s.configurationRecoveryTokens)
		})
	})

	return r
}

func (s *Server) serverName() string {
	name, _ := s.live()
	if name != "" {
		return name
	}
	return "kbmapi"
}

func (s *Server) corsOrigins() []string {
	_, origins := s.live()
	if len(origins) > 0 {
		return origins
	}
	return []string{"*"}
}

func (s *Server) live() (string, []string) {
	if s.Live != nil {
		return s.Live()
	}
	return s.ServerName, s.CORSOrigins
}

// corsOriginAllowed implements go-chi/cors's AllowOriginFunc so the
// allow-list can hot-reload (SPEC_FULL.md §4.10) without rebuilding
// the router.
func (s *Server) corsOriginAllowed(r *http.Request, origin string) bool {
	allowed := s.corsOrigins()
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
