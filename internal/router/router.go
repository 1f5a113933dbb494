// Package router assembles the HTTP route table.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitalink/backend/internal/auth"
	"github.com/vitalink/backend/internal/handlers"
	"github.com/vitalink/backend/internal/ledger"
	"github.com/vitalink/backend/internal/middleware"
	"github.com/vitalink/backend/internal/models"
	"github.com/vitalink/backend/internal/registry"
	"github.com/vitalink/backend/internal/respond"
)

// Deps are the handlers and guards the routes are built from.
type Deps struct {
	Auth       *auth.Handler
	Registry   *registry.Handler
	Usage      *ledger.Handler
	Accounts   *handlers.AccountHandler
	Reset      *handlers.ResetHandler
	Devices    *handlers.DeviceHandler
	Forms      *handlers.FormHandler
	Extract    *handlers.ExtractHandler
	Readiness  http.HandlerFunc
	AdminKey   func(http.Handler) http.Handler
	Session    func(http.Handler) http.Handler
	LoginRate  int
	ResetRate  int
	RateWindow time.Duration
}

// New returns an http.Handler serving the API under /api plus health and metrics.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	base := "/api"

	window := d.RateWindow
	if window <= 0 {
		window = time.Minute
	}
	loginLimit := limitByIP(d.LoginRate, window)
	resetLimit := limitByIP(d.ResetRate, window)
	admin := d.AdminKey
	session := d.Session
	agent := func(h http.Handler) http.Handler { return session(middleware.RequireAgent(h)) }

	// Administrative issuance and reporting.
	mux.Handle(base+"/admin/agents/unlock", admin(methodPOST(d.Registry.IssueUnlock)))
	mux.Handle(base+"/admin/promo/batch", admin(methodPOST(d.Registry.IssuePromoBatch)))
	mux.Handle(base+"/admin/purchase/batch", admin(methodPOST(d.Registry.IssuePurchaseBatch)))
	mux.Handle(base+"/admin/codes/disable", admin(methodPOST(d.Registry.Disable)))
	mux.Handle(base+"/admin/usage", admin(methodGET(d.Usage.Usage)))
	mux.Handle(base+"/admin/agents/master-qr", admin(methodGET(d.Registry.MasterQR)))

	// Onboarding.
	mux.HandleFunc(base+"/agents/claim", methodPOST(d.Accounts.ClaimAgent))
	mux.HandleFunc(base+"/users/register", methodPOST(d.Accounts.RegisterUser))
	mux.HandleFunc(base+"/codes/verify", methodPOST(d.Registry.Verify))
	mux.HandleFunc(base+"/codes/lookup", methodPOST(d.Registry.Lookup))

	// Credentials.
	mux.Handle(base+"/auth/login", loginLimit(methodPOST(d.Auth.Login)))
	mux.Handle(base+"/reset/request", resetLimit(methodPOST(d.Reset.Request)))
	mux.Handle(base+"/reset/confirm", resetLimit(methodPOST(d.Reset.Confirm)))

	// Signed-in accounts.
	mux.Handle(base+"/account/me", session(methodGET(d.Accounts.Me)))
	mux.Handle(base+"/account/profile", session(methodPOST(d.Accounts.UpdateProfile)))
	mux.Handle(base+"/account/delete", session(methodPOST(d.Accounts.DeleteAccount)))
	mux.Handle(base+"/agents/promo", agent(methodGET(d.Accounts.AgentPromo)))
	mux.Handle(base+"/devices/register", session(methodPOST(d.Devices.Register)))
	mux.Handle(base+"/notifications/send", agent(methodPOST(d.Devices.SendNotification)))
	mux.Handle(base+"/forms/send", session(methodPOST(d.Forms.Send)))

	mux.HandleFunc(base+"/extract/insurance", methodPOST(d.Extract.Insurance))
	mux.HandleFunc(base+"/extract/label", methodPOST(d.Extract.Label))

	mux.HandleFunc("/healthz", methodGET(handlers.Liveness))
	if d.Readiness != nil {
		mux.HandleFunc("/readyz", methodGET(d.Readiness))
	}
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		respond.Error(w, r, nil, models.ErrNotFound)
	})
	return mux
}

func limitByIP(n int, window time.Duration) func(http.Handler) http.Handler {
	if n <= 0 {
		return func(h http.Handler) http.Handler { return h }
	}
	return httprate.Limit(n, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			respond.Error(w, r, nil, models.ErrRateLimited)
		}),
	)
}

func methodGET(h http.HandlerFunc) http.HandlerFunc {
	return method(http.MethodGet, h)
}

func methodPOST(h http.HandlerFunc) http.HandlerFunc {
	return method(http.MethodPost, h)
}

func method(m string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			w.Header().Set("Allow", m)
			respond.Fail(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h(w, r)
	}
}
