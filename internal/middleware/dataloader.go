package middleware

import (
	"net/http"

	"github.com/rpattn/datacheck/internal/repository"
	"github.com/rpattn/datacheck/internal/results"
)

// CheckLoader attaches a request-scoped check loader to the request context.
func CheckLoader(repo repository.CheckRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loader := results.NewCheckLoader(repo)
			ctx := results.WithCheckLoader(r.Context(), loader)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
