package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/auth"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// A private key for context that only this package can access. This is important
// to prevent collisions between different context uses
var userCtxKey = &contextKey{"user"}

type contextKey struct {
	name string
}

// TokenVerifier checks Firebase ID tokens. *auth.Client satisfies it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// NewClient builds a Firebase auth client. An empty credentialsFile falls back
// to application default credentials.
func NewClient(ctx context.Context, credentialsFile string) (*auth.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase auth: %w", err)
	}
	return client, nil
}

// Middleware verifies a bearer ID token when one is sent and packs it into
// context. Requests without a token pass through anonymously.
func Middleware(verifier TokenVerifier, log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var token *auth.Token
			t := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
			if len(t) == 2 && t[0] == "Bearer" {
				var err error
				token, err = verifier.VerifyIDToken(r.Context(), t[1])
				if err != nil {
					log.Info("rejected ID token", zap.Error(err))
					http.Error(w, "Invalid token", http.StatusForbidden)
					return
				}

				log.Debug("verified ID token", zap.String("uid", token.Subject))
			}

			// put it in context
			ctx := WithToken(r.Context(), token)

			// and call the next with our new context
			r = r.WithContext(ctx)
			next.ServeHTTP(w, r)
		})
	}
}

// WithToken returns ctx carrying token.
func WithToken(ctx context.Context, token *auth.Token) context.Context {
	return context.WithValue(ctx, userCtxKey, token)
}

// ForContext finds the user from the context. REQUIRES Middleware to have run.
func ForContext(ctx context.Context) *auth.Token {
	raw, _ := ctx.Value(userCtxKey).(*auth.Token)
	return raw
}

// UserID is the verified uid in ctx, or empty for anonymous requests.
func UserID(ctx context.Context) string {
	if token := ForContext(ctx); token != nil {
		return token.Subject
	}
	return ""
}
