package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/restxmpp/gateway/internal/pool"
)

const sessionTokenHeader = "X-Session-Token"

type contextKey string

const sessionContextKey contextKey = "session"

func WithSession(ctx context.Context, s *pool.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, s)
}

func SessionFrom(ctx context.Context) (*pool.Session, bool) {
	s, ok := ctx.Value(sessionContextKey).(*pool.Session)
	return s, ok
}

func (s *GatewayApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic: %v", panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// sessionMiddleware resolves the {id} path segment to a session and
// verifies the token header before the handler runs. A missing session
// and a bad token are indistinguishable to the caller.
func (s *GatewayApp) sessionMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionId := r.PathValue("id")
		token := r.Header.Get(sessionTokenHeader)

		session, err := s.pool.Authenticate(sessionId, token)
		if err != nil {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		ctx := WithSession(r.Context(), session)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}
