package csrf

import (
	"encoding/json"
	"net/http"

	"github.com/bossbrainz/guardrail/internal/errors"
	"github.com/bossbrainz/guardrail/internal/logging"
	"github.com/bossbrainz/guardrail/internal/middleware"
	"go.uber.org/zap"
)

// TokenHandler serves GET requests with {"token": "..."} and sets the cookie.
// It is unauthenticated: forms need a token before sign-in.
func (g *Guard) TokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := g.Issue(w, r)
		if err != nil {
			logging.Error("CSRF token generation failed",
				zap.String("request_id", middleware.GetRequestID(r)),
				zap.Error(err),
			)
			errors.Wrap(err, errors.ErrInfrastructure).WriteJSON(w)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		json.NewEncoder(w).Encode(struct {
			Token string `json:"token"`
		}{Token: token})
	})
}
