package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/predict-risk/internal/config"
)

// Permission names an operator capability.
type Permission string

const (
	PermissionView       Permission = "view"
	PermissionArm        Permission = "arm"
	PermissionTrigger    Permission = "trigger"
	PermissionReset      Permission = "reset"
	PermissionForceReset Permission = "force_reset"
	PermissionAll        Permission = "*"
)

var knownPermissions = map[Permission]bool{
	PermissionView:       true,
	PermissionArm:        true,
	PermissionTrigger:    true,
	PermissionReset:      true,
	PermissionForceReset: true,
	PermissionAll:        true,
}

// Operator is an authenticated caller. Its name is recorded as the actor on
// triggers and resets.
type Operator struct {
	Name        string
	permissions map[Permission]bool
	tokenDigest [sha256.Size]byte
}

func (o Operator) Can(p Permission) bool {
	return o.permissions[p] || o.permissions[PermissionAll]
}

// Authorizer maps bearer tokens to operators.
type Authorizer struct {
	operators []Operator
	log       zerolog.Logger
}

func NewAuthorizer(ops []config.Operator, log zerolog.Logger) (*Authorizer, error) {
	a := &Authorizer{log: log}
	for _, op := range ops {
		if op.Name == "" || op.Token == "" {
			return nil, fmt.Errorf("operator needs a name and a token")
		}
		perms := map[Permission]bool{}
		for _, p := range op.Permissions {
			perm := Permission(strings.TrimSpace(p))
			if !knownPermissions[perm] {
				return nil, fmt.Errorf("operator %s: unknown permission %q", op.Name, p)
			}
			perms[perm] = true
		}
		a.operators = append(a.operators, Operator{
			Name:        op.Name,
			permissions: perms,
			tokenDigest: sha256.Sum256([]byte(op.Token)),
		})
	}
	return a, nil
}

// Authenticate compares digests in constant time and checks every operator
// so the lookup does not leak which prefix matched.
func (a *Authorizer) Authenticate(token string) (Operator, bool) {
	digest := sha256.Sum256([]byte(token))
	var found Operator
	ok := false
	for _, op := range a.operators {
		if subtle.ConstantTimeCompare(digest[:], op.tokenDigest[:]) == 1 {
			found, ok = op, true
		}
	}
	return found, ok
}

type operatorKey struct{}

func operatorFrom(ctx context.Context) (Operator, bool) {
	op, ok := ctx.Value(operatorKey{}).(Operator)
	return op, ok
}

// Middleware rejects requests without a valid bearer token.
func (a *Authorizer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || token == "" {
			writeError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		op, ok := a.Authenticate(token)
		if !ok {
			a.log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("rejected unknown operator token")
			writeError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey{}, op)))
	})
}

// Require lets the request through only if the operator holds p.
func (a *Authorizer) Require(p Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op, ok := operatorFrom(r.Context())
			if !ok || !op.Can(p) {
				a.log.Warn().Str("operator", op.Name).Str("permission", string(p)).Str("path", r.URL.Path).Msg("operator action denied")
				writeError(w, fmt.Sprintf("permission %s required", p), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
