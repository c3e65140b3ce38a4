package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/fairyhunter13/compute-marketplace/internal/domain"
)

// apiKeyHeader carries both agent and admin credentials.
const apiKeyHeader = "X-API-Key"

// Argon2Params defines parameters for Argon2id key hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashAdminKey creates an Argon2id hash suitable for ADMIN_API_KEY_HASH.
func HashAdminKey(key string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(key), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)
	// Format: argon2id$iterations$memory$parallelism$salt$hash (base64 raw std)
	encoded := fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// VerifyAdminKey verifies a presented key against its Argon2id hash.
func VerifyAdminKey(key, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	actual := argon2.IDKey([]byte(key), salt, iters, mem, par, defaultArgon2Params.KeyLen)
	return subtle.ConstantTimeCompare(actual, expected) == 1
}

// agentKey is the unexported context key for the authenticated agent.
type agentKey struct{}

// AgentFrom returns the agent resolved by AgentAuth, or false outside it.
func AgentFrom(r *http.Request) (domain.Agent, bool) {
	a, ok := r.Context().Value(agentKey{}).(domain.Agent)
	return a, ok
}

// AgentAuth resolves X-API-Key to a registered agent and stores it on the
// request context. 401 on any miss.
func (s *Server) AgentAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent, err := s.Agents.Authenticate(r.Context(), r.Header.Get(apiKeyHeader))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ctx := context.WithValue(r.Context(), agentKey{}, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminAuth gates the admin surface. ADMIN_API_KEY_HASH takes precedence;
// otherwise the raw ADMIN_API_KEY is compared in constant time. With neither
// configured the surface is closed.
func (s *Server) AdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(apiKeyHeader)
		if key == "" || !s.adminKeyValid(key) {
			writeError(w, r, fmt.Errorf("admin key required: %w", domain.ErrForbidden), nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) adminKeyValid(key string) bool {
	if s.Cfg.AdminAPIKeyHash != "" {
		return VerifyAdminKey(key, s.Cfg.AdminAPIKeyHash)
	}
	if s.Cfg.AdminAPIKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.Cfg.AdminAPIKey)) == 1
}

// parseUint32 parses a decimal string into uint32.
func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse")
	}
	return uint32(x), nil
}
