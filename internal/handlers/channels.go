package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/rtm-calling/internal/fabric"
	"github.com/mossy-p/rtm-calling/internal/models"
)

// ChannelMembers lists the identities currently present in a channel
// (requires JWT).
func ChannelMembers(svc *fabric.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		channel := c.Param("channel")
		if channel == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "channel is required"})
			return
		}

		members, err := svc.Members(c.Request.Context(), channel)
		if err != nil {
			log.Error("failed to list channel members", "channel", channel, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list members"})
			return
		}
		if members == nil {
			members = []string{}
		}

		c.JSON(http.StatusOK, models.ChannelMembersResponse{
			Channel: channel,
			Members: members,
			Count:   len(members),
		})
	}
}
