// Package pelagorest provides REST API utilities with CORS support and common middleware.
package pelagorest

import (
	"fmt"
	"net/http"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/savaki/apigateway"

	pelagocli "github.com/pelago/pelago-ws/pelago-cli"
)

func Middlewares(service pelagocli.Service, routes chi.Router) chi.Router {
	routes.Use(
		withCORS(),
		withLogger(pelagocli.Logger(service)),
		middleware.Recoverer,
	)
	return routes
}

func Webserver(service pelagocli.Service, routes chi.Router) error {
	logger := pelagocli.Logger(service)

	if pelagocli.CommonOpts.Console {
		logger.Info().Int("port", pelagocli.CommonOpts.Port).Msg("starting http server")
		addr := fmt.Sprintf(":%v", pelagocli.CommonOpts.Port)
		return http.ListenAndServe(addr, routes)
	}

	lambda.Start(apigateway.Wrap(routes, pelagocli.CommonOpts.Env))
	return nil
}

func withCORS() func(next http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
	})
}

func withLogger(logger zerolog.Logger) func(handler http.Handler) http.Handler {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := logger.WithContext(req.Context())
			req = req.WithContext(ctx)
			handler.ServeHTTP(w, req)
		})
	}
}
