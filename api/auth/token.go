package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ClientTokenHeader carries a per-caller HS256 token. It is separate from
// Authorization so an operator API token and a client identity can coexist.
const ClientTokenHeader = "X-Client-Token"

var ErrMissingSubject = errors.New("client token has no subject")

type ClientClaims struct {
	jwt.RegisteredClaims
}

// ClientTokens validates HS256 client tokens.
type ClientTokens struct {
	key []byte
}

func NewClientTokens(key string) *ClientTokens {
	return &ClientTokens{key: []byte(key)}
}

func (v *ClientTokens) Validate(tokenString string) (*ClientClaims, error) {
	claims := &ClientClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}

// Issue signs a token for subject. Used by operators and tests.
func (v *ClientTokens) Issue(claims ClientClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}

type ctxKey struct{}

func WithClient(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ctxKey{}, subject)
}

func ClientFrom(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(ctxKey{}).(string)
	return s, ok && s != ""
}

// Middleware attaches the token subject to the request context. Requests
// without a token pass through anonymously; a bad token is rejected.
func (v *ClientTokens) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(ClientTokenHeader)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := v.Validate(token)
		if err != nil {
			http.Error(w, "invalid client token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClient(r.Context(), claims.Subject)))
	})
}

// ClientKey identifies the caller for rate limiting: the token subject when
// present, otherwise the remote IP.
func ClientKey(r *http.Request) string {
	if sub, ok := ClientFrom(r.Context()); ok {
		return "sub:" + sub
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Bearer rejects requests whose Authorization header does not carry token.
// Paths in skip are served without auth.
func Bearer(token string, skip ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(skip))
	for _, p := range skip {
		open[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			presented, found := strings.CutPrefix(header, "Bearer ")
			if !found {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
