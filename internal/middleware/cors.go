package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS allows the survey front end to call the API from the listed origins.
// The session cookie is sent cross-origin, so origins must be explicit.
func CORS(origins []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           600,
	})
	return c.Handler
}
