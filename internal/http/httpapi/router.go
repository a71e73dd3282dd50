package httpapi

import (
	"net/http"
	"time"

	"companion/internal/http/handlers"
	"companion/internal/infra"
	appmw "companion/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures the router's middleware stack.
type Options struct {
	JWTSecret     string
	CORSOrigins   []string
	DefaultLocale string
	// RateLimit is requests per minute per client IP; zero disables it.
	RateLimit int
	Countries appmw.CountryLookup
	Logger    *infra.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}

	r := chi.NewRouter()
	r.Use(
		appmw.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		appmw.Logger(*logger),
		appmw.CORS(opts.CORSOrigins),
		appmw.I18N(opts.DefaultLocale, opts.Countries),
	)

	// Health
	r.Get("/v1/healthz", app.Health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/v1/plans", app.Plans)

	r.Group(func(r chi.Router) {
		r.Use(
			appmw.RateLimit(opts.RateLimit, time.Minute),
			appmw.RequireJWT(opts.JWTSecret, appmw.RoleService, appmw.RoleAdmin),
		)
		r.Post("/v1/chat", app.Chat)
		r.Post("/v1/create", app.Create)
		r.Post("/v1/images", app.ImagesGenerate)
		r.Route("/v1/accounts/{id}", func(r chi.Router) {
			r.Get("/", app.Account)
			r.Post("/daily", app.DailyBonus)
			r.Post("/reset", app.Reset)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(appmw.RequireJWT(opts.JWTSecret, appmw.RoleAdmin))
		r.Post("/v1/payments/events", app.PaymentEvent)
		r.Get("/v1/admin/stats", app.Stats)
		r.Get("/v1/admin/healthz", app.CheckProvider)
		r.Delete("/v1/admin/cache", app.ClearCache)
		r.Route("/v1/admin/accounts/{id}", func(r chi.Router) {
			r.Get("/audit", app.Audit)
			r.Get("/transactions", app.Transactions)
			r.Post("/grant", app.Grant)
			r.Post("/trial", app.Trial)
		})
	})

	return r
}
