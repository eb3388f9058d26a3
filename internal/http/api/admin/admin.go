package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	handlers "github.com/router-for-me/DreaminaPoolProxy/internal/http/api/admin/handlers"
	"github.com/router-for-me/DreaminaPoolProxy/internal/metrics"
	internalsettings "github.com/router-for-me/DreaminaPoolProxy/internal/settings"
	"github.com/router-for-me/DreaminaPoolProxy/internal/store"
	"gorm.io/gorm"
)

// Dependencies bundles what the admin surface needs.
type Dependencies struct {
	DB        *gorm.DB
	Accounts  store.AccountStore
	Registrar handlers.AccountRegistrar
	Settings  *internalsettings.Holder
	Metrics   *metrics.Metrics
}

// RegisterAdminRoutes registers health, metrics, and the token protected /api routes.
func RegisterAdminRoutes(r *gin.Engine, deps Dependencies) {
	if r == nil || deps.DB == nil || deps.Accounts == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(deps.DB)
	r.GET("/healthz", healthHandler.Healthz)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	authed := r.Group("/api")
	authed.Use(adminAuthMiddleware(deps.Settings))

	accountHandler := handlers.NewAccountHandler(deps.Accounts, deps.Registrar, deps.Settings)
	authed.GET("/accounts", accountHandler.List)
	authed.POST("/accounts", accountHandler.Create)
	authed.POST("/accounts/batch", accountHandler.BatchCreate)
	authed.POST("/accounts/register", accountHandler.Register)
	authed.GET("/accounts/:id", accountHandler.Get)
	authed.PUT("/accounts/:id", accountHandler.Update)
	authed.DELETE("/accounts/:id", accountHandler.Delete)
	authed.POST("/accounts/:id/ban", accountHandler.Ban)
	authed.POST("/accounts/:id/unban", accountHandler.Unban)
	authed.POST("/accounts/:id/refresh-session", accountHandler.RefreshSession)

	settingHandler := handlers.NewSettingHandler(deps.DB, deps.Settings)
	authed.GET("/settings", settingHandler.List)
	authed.PUT("/settings", settingHandler.Update)
	authed.GET("/settings/:key", settingHandler.Get)
}

// adminAuthMiddleware checks the bearer token against the live ADMIN_TOKEN.
func adminAuthMiddleware(holder *internalsettings.Holder) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		expected := holder.Load().AdminToken
		if expected == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}
