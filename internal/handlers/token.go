package handlers

import (
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/rtm-calling/config"
	"github.com/mossy-p/rtm-calling/internal/auth"
	"github.com/mossy-p/rtm-calling/internal/metrics"
	"github.com/mossy-p/rtm-calling/internal/models"
)

// IssueToken signs an RTM token for the requested uid. There is no
// credential check; any uid may ask for a token.
func IssueToken(signer *auth.Signer, cfg config.AuthConfig, m *metrics.Metrics, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.TokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}
		if req.TokenType != models.TokenTypeRTM {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Unsupported token type",
			})
			return
		}

		ttl := tokenTTL(req.Expire, cfg)
		token, exp, err := signer.Sign(req.UID, req.TokenType, req.Channel, ttl)
		if err != nil {
			log.Error("failed to sign token", "uid", req.UID, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		m.TokensIssued.Inc()
		log.Info("token issued", "uid", req.UID, "expires_at", exp)
		c.JSON(http.StatusOK, models.TokenResponse{Token: token})
	}
}

// tokenTTL turns the requested expire seconds into a lifetime bounded by the
// configured maximum.
func tokenTTL(expire int64, cfg config.AuthConfig) time.Duration {
	if expire <= 0 {
		return cfg.DefaultExpire
	}
	// Compare in seconds; the product can overflow a Duration.
	if cfg.MaxExpire > 0 && expire > int64(cfg.MaxExpire/time.Second) {
		return cfg.MaxExpire
	}
	if limit := int64(math.MaxInt64 / time.Second); expire > limit {
		expire = limit
	}
	return time.Duration(expire) * time.Second
}
