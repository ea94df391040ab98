package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/version"
)

// AgentKey is the gin context key holding the authenticated *models.Agent.
const AgentKey = "agent"

var ErrAgentTokenInvalid = errors.New("invalid agent token")

// AgentLookup resolves the agent named in a token.
type AgentLookup interface {
	Get(ctx context.Context, agentUUID string) (*models.Agent, error)
}

// AgentClaims identify an agent; the subject is the agent UUID.
type AgentClaims struct {
	Hostname string `json:"hostname"`
	jwt.RegisteredClaims
}

// IssueAgentToken signs an HS256 token for agent. A non-positive ttl issues a token without
// expiry.
func IssueAgentToken(secret string, agent *models.Agent, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrAgentTokenInvalid
	}
	now := time.Now()
	claims := AgentClaims{
		Hostname: agent.Hostname,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  agent.UUID,
			Issuer:   version.Name,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseAgentToken validates a token and returns its claims.
func ParseAgentToken(secret, tokenString string) (*AgentClaims, error) {
	claims := &AgentClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(version.Name))
	if err != nil || !token.Valid || claims.Subject == "" {
		return nil, ErrAgentTokenInvalid
	}
	return claims, nil
}

// AgentAuth requires a bearer token issued by IssueAgentToken for an active agent
// and stores the agent under AgentKey.
func AgentAuth(secret string, agents AgentLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "agent authentication not configured"})
			return
		}
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}
		claims, err := ParseAgentToken(secret, strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		agent, err := agents.Get(c.Request.Context(), claims.Subject)
		if err != nil || !agent.IsActive {
			GetRequestLogger(c).WithField("agent_uuid", claims.Subject).Warn("token for unknown or inactive agent")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unknown agent"})
			return
		}
		c.Set(AgentKey, agent)
		c.Next()
	}
}

// CurrentAgent returns the agent authenticated by AgentAuth.
func CurrentAgent(c *gin.Context) (*models.Agent, bool) {
	v, ok := c.Get(AgentKey)
	if !ok {
		return nil, false
	}
	agent, ok := v.(*models.Agent)
	return agent, ok
}
