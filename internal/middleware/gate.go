package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vnipet/device-auth/internal/models"
	"github.com/vnipet/device-auth/internal/service"
	appErrors "github.com/vnipet/device-auth/pkg/errors"
	"github.com/vnipet/device-auth/pkg/middleware/requestid"
	"github.com/vnipet/device-auth/pkg/response"
)

// ContextUserKey is the gin context key storing the resolved *models.Principal.
const ContextUserKey = "currentUser"

type accessVerifier interface {
	VerifyAccessToken(token string) (*models.AccessClaims, error)
}

type principalResolver interface {
	Resolve(ctx context.Context, ref models.IdentityRef) (*models.Identity, error)
}

// Gate verifies access tokens and re-checks the backing identity on every request.
type Gate struct {
	tokens   accessVerifier
	resolver principalResolver
	metrics  *service.MetricsService
	logger   *zap.Logger
}

// NewGate constructs a Gate.
func NewGate(tokens accessVerifier, resolver principalResolver, metrics *service.MetricsService, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{tokens: tokens, resolver: resolver, metrics: metrics, logger: logger}
}

// RequireAnyRole admits any authenticated owner or admin.
func (g *Gate) RequireAnyRole() gin.HandlerFunc {
	return g.authenticate(models.RoleOwner, models.RoleAdmin)
}

// RequireOwner admits authenticated owners only.
func (g *Gate) RequireOwner() gin.HandlerFunc {
	return g.authenticate(models.RoleOwner)
}

// RequireAdmin admits authenticated admins only.
func (g *Gate) RequireAdmin() gin.HandlerFunc {
	return g.authenticate(models.RoleAdmin)
}

func (g *Gate) authenticate(allowed ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			g.reject(c, "missing_token", nil)
			return
		}

		claims, err := g.tokens.VerifyAccessToken(token)
		if err != nil {
			if appErrors.Is(err, appErrors.ErrAccessTokenExpired) {
				g.reject(c, "expired", appErrors.Clone(appErrors.ErrAccessTokenExpired, ""))
				return
			}
			g.reject(c, "invalid", nil)
			return
		}

		if !roleAllowed(claims.Role, allowed) {
			g.reject(c, "role", nil)
			return
		}

		if _, err := g.resolver.Resolve(c.Request.Context(), claims.Ref()); err != nil {
			if appErrors.Is(err, appErrors.ErrUnauthorized) {
				g.reject(c, "identity", nil)
				return
			}
			g.logger.Error("failed to resolve identity",
				zap.String("request_id", requestid.Value(c)),
				zap.String("identity", claims.Ref().String()),
				zap.Error(err),
			)
			response.Abort(c, err)
			return
		}

		c.Set(ContextUserKey, &models.Principal{ID: claims.ID, Role: claims.Role, DeviceID: claims.DeviceID})
		c.Next()
	}
}

// reject renders a 401. Only expiry is distinguishable to the client so it
// knows to refresh; every other cause shares one body.
func (g *Gate) reject(c *gin.Context, reason string, err *appErrors.Error) {
	g.metrics.RecordGateRejection(reason)
	g.logger.Debug("request rejected by session gate", zap.String("request_id", requestid.Value(c)), zap.String("reason", reason))
	if err == nil {
		err = appErrors.Clone(appErrors.ErrUnauthorized, "")
	}
	response.Abort(c, err)
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func roleAllowed(role models.Role, allowed []models.Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}
