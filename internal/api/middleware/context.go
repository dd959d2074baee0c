package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	userIDKey       contextKey = "user_id"
	apiKeyScopesKey contextKey = "api_key_scopes"
	requestLogKey   contextKey = "request_log"
)

// requestLog collects caller details for the access log. Logger installs it
// before auth runs and reads it once the handler returns.
type requestLog struct {
	userID uuid.UUID
	keyID  uuid.UUID
}

func withRequestLog(ctx context.Context) (context.Context, *requestLog) {
	rl := &requestLog{}
	return context.WithValue(ctx, requestLogKey, rl), rl
}

func requestLogFrom(ctx context.Context) *requestLog {
	rl, _ := ctx.Value(requestLogKey).(*requestLog)
	return rl
}

// SetUserID records the authenticated user on ctx.
func SetUserID(ctx context.Context, id uuid.UUID) context.Context {
	if rl := requestLogFrom(ctx); rl != nil {
		rl.userID = id
	}
	return context.WithValue(ctx, userIDKey, id)
}

// GetUserID returns the authenticated user. The zero UUID counts as absent.
func GetUserID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(userIDKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

func noteKeyID(ctx context.Context, id uuid.UUID) {
	if rl := requestLogFrom(ctx); rl != nil {
		rl.keyID = id
	}
}

// SetScopes stores the authenticated key's scopes. Exported for handler tests.
func SetScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}
