package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

// NewRouter wires every route of the gateway
func NewRouter(mw *Middleware, chat *ChatHandler, accounts *AccountHandler, creds *CredentialHandler, usage *UsageHandler, catalog *CatalogHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(mw.CORSMiddleware)

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.AuthMiddleware)
		r.Use(mw.RateLimitMiddleware)

		r.Post("/route", chat.HandleRoute)
		r.Post("/settle", chat.HandleSettle)

		r.Get("/balance", accounts.HandleBalance)
		r.Get("/usage", usage.HandleList)
		r.With(RequireTier(models.TierAdmin)).Post("/credits", accounts.HandleCredit)

		r.Get("/credentials", creds.HandleList)
		r.Put("/credentials/{providerID}", creds.HandleStore)
		r.Post("/credentials/{providerID}/validate", creds.HandleValidate)
		r.Post("/credentials/{providerID}/disable", creds.HandleDisable)
		r.Delete("/credentials/{providerID}", creds.HandleDelete)

		r.Get("/models", catalog.HandleListModels)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireTier(models.TierAdmin))

			r.Put("/providers/{providerID}", catalog.HandleSaveProvider)
			r.Delete("/providers/{providerID}", catalog.HandleDeleteProvider)
			r.Post("/providers/{providerID}/health", catalog.HandleCheckHealth)
			r.Put("/models", catalog.HandleSaveModel)
			r.Delete("/models", catalog.HandleDeleteModel)
			r.Put("/rules/{ruleID}", catalog.HandleSaveRule)
			r.Post("/catalog/invalidate", catalog.HandleInvalidate)
		})
	})

	return r
}
