package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/raterudder/mobilelink/pkg/log"
)

// authMiddleware accepts an ID token either as a bearer token or in the
// auth_token cookie. When admin emails are configured only those may call the
// API.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.WithAttrs(r.Context(), slog.String("reqPath", r.URL.Path), slog.String("reqMethod", r.Method))

		if s.bypassAuth {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token, err := requestToken(r)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "invalid auth header", slog.Any("error", err))
			writeJSONError(w, "invalid auth header", http.StatusBadRequest)
			return
		}
		if token == "" {
			log.Ctx(ctx).WarnContext(ctx, "unauthenticated request")
			writeJSONError(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		email, subject, err := s.authenticateToken(ctx, token)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "auth token validation failed", slog.Any("error", err))
			writeJSONError(w, "invalid auth token", http.StatusUnauthorized)
			return
		}
		if !s.isAdmin(email) {
			log.Ctx(ctx).WarnContext(ctx, "email not allowed", slog.String("email", email))
			writeJSONError(w, "forbidden", http.StatusForbidden)
			return
		}

		ctx = log.WithAttrs(ctx, slog.String("authSubject", subject))
		log.Ctx(ctx).DebugContext(ctx, "authenticated request", slog.String("email", email))
		ctx = context.WithValue(ctx, emailContextKey, email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return "", errors.New("expected bearer token")
		}
		return strings.TrimSpace(token), nil
	}
	c, err := r.Cookie(authTokenCookie)
	if errors.Is(err, http.ErrNoCookie) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return c.Value, nil
}

func (s *Server) isAdmin(email string) bool {
	if len(s.adminEmails) == 0 {
		return email != ""
	}
	return slices.ContainsFunc(s.adminEmails, func(admin string) bool {
		return strings.EqualFold(admin, email)
	})
}

func (s *Server) authenticateToken(ctx context.Context, token string) (string, string, error) {
	var errs []error

	for providerName, verifier := range s.oidcVerifiers {
		claims, err := verifier(ctx, token)
		if err == nil {
			return claims.Email, claims.Subject, nil
		}
		errs = append(errs, fmt.Errorf("%s verifier failed: %v", providerName, err))
	}

	if len(errs) > 1 {
		return "", "", errors.Join(errs...)
	}
	if len(errs) == 1 {
		return "", "", errs[0]
	}
	return "", "", errors.New("no valid audiences configured or token invalid")
}

// oidcVerifier adapts an oidc verifier to a tokenVerifier.
func oidcVerifier(v *oidc.IDTokenVerifier) tokenVerifier {
	return func(ctx context.Context, rawIDToken string) (tokenClaims, error) {
		idToken, err := v.Verify(ctx, rawIDToken)
		if err != nil {
			return tokenClaims{}, err
		}
		var claims tokenClaims
		if err := idToken.Claims(&claims); err != nil {
			return tokenClaims{}, err
		}
		claims.Subject = idToken.Subject
		return claims, nil
	}
}
