package middleware

import (
	"context"
	"net/http"

	"github.com/rpattn/evalsandbox/internal/repository"
	"github.com/rpattn/evalsandbox/internal/runloader"
)

type ctxKey string

const runLoaderKey ctxKey = "runLoader"

// DataLoaderMiddleware attaches a per-request run loader to the context
func DataLoaderMiddleware(repo repository.RunRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loader := runloader.NewRunLoader(repo)
			ctx := context.WithValue(r.Context(), runLoaderKey, loader)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RunLoaderFromContext retrieves the run loader from context
func RunLoaderFromContext(ctx context.Context) *runloader.RunLoader {
	if l, ok := ctx.Value(runLoaderKey).(*runloader.RunLoader); ok {
		return l
	}
	return nil
}
