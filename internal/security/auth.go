package security

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-memory/internal/config"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
)

// ContextKeyUserID is the gin context key for the authenticated user ID.
const ContextKeyUserID = "userID"

// Identity holds the resolved caller identity from a bearer token.
type Identity struct {
	UserID string
	// Method is "oidc", "api-key" or "testing".
	Method string
}

// TokenResolver resolves bearer tokens to caller identities. It is initialized
// once at startup and shared by every request.
type TokenResolver struct {
	verifier    *oidc.IDTokenVerifier
	apiKeys     map[string]string
	testingMode bool
}

// NewTokenResolver creates a TokenResolver from the application config. It performs
// one-time OIDC provider discovery if OIDCIssuer is configured.
func NewTokenResolver(ctx context.Context, cfg *config.Config) *TokenResolver {
	r := &TokenResolver{
		apiKeys:     cfg.APIKeys,
		testingMode: cfg.Mode == config.ModeTesting,
	}
	if cfg.OIDCIssuer == "" {
		return r
	}

	issuer := cfg.OIDCIssuer
	discoveryURL := issuer
	if cfg.OIDCDiscoveryURL != "" && cfg.OIDCDiscoveryURL != issuer {
		// Discovery happens on an internal address while tokens carry the public issuer.
		ctx = oidc.InsecureIssuerURLContext(ctx, issuer)
		discoveryURL = cfg.OIDCDiscoveryURL
	}
	provider, err := oidc.NewProvider(ctx, discoveryURL)
	if err != nil {
		log.Error("Failed to initialize OIDC provider; falling back to API key auth", "issuer", discoveryURL, "err", err)
		return r
	}
	if discoveryURL != issuer {
		var claims struct {
			JWKSURI string `json:"jwks_uri"`
		}
		if err := provider.Claims(&claims); err == nil && claims.JWKSURI != "" {
			keySet := oidc.NewRemoteKeySet(ctx, claims.JWKSURI)
			r.verifier = oidc.NewVerifier(issuer, keySet, &oidc.Config{SkipClientIDCheck: true})
		}
	}
	if r.verifier == nil {
		r.verifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	}
	log.Info("OIDC auth enabled", "issuer", issuer)
	return r
}

var (
	errInvalidJWT      = errors.New("invalid JWT")
	errMissingIdentity = errors.New("JWT missing identity claims")
	errUnknownToken    = errors.New("unknown bearer token")
)

// Resolve maps a bearer token (without the "Bearer " prefix) to an Identity.
func (r *TokenResolver) Resolve(ctx context.Context, bearerToken string) (*Identity, error) {
	bearerToken = strings.TrimSpace(bearerToken)
	if bearerToken == "" {
		return nil, errUnknownToken
	}

	if r.verifier != nil && strings.Count(bearerToken, ".") >= 2 {
		idToken, err := r.verifier.Verify(ctx, bearerToken)
		if err != nil {
			return nil, errors.Join(errInvalidJWT, err)
		}
		var claims struct {
			Sub               string `json:"sub"`
			PreferredUsername string `json:"preferred_username"`
			UPN               string `json:"upn"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, errors.Join(errInvalidJWT, err)
		}
		for _, candidate := range []string{claims.PreferredUsername, claims.UPN, claims.Sub} {
			if candidate != "" {
				return &Identity{UserID: candidate, Method: "oidc"}, nil
			}
		}
		return nil, errMissingIdentity
	}

	if userID, ok := r.apiKeys[bearerToken]; ok {
		return &Identity{UserID: userID, Method: "api-key"}, nil
	}
	if r.testingMode {
		return &Identity{UserID: bearerToken, Method: "testing"}, nil
	}
	return nil, errUnknownToken
}

// GetUserID returns the authenticated user ID from the gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// AuthMiddleware returns a gin middleware that extracts user identity from the
// Authorization header using the provided TokenResolver. Unauthenticated requests
// are rejected before any handler runs.
func AuthMiddleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			log.Info("Auth rejected: missing Authorization header", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "error": "missing Authorization header"})
			return
		}

		token, found := strings.CutPrefix(auth, "Bearer ")
		if !found {
			log.Info("Auth rejected: expected Bearer token", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "error": "invalid Authorization header; expected Bearer token"})
			return
		}

		id, err := resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "error": err.Error()})
			return
		}

		c.Set(ContextKeyUserID, id.UserID)
		c.Next()
	}
}
