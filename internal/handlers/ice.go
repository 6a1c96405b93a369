package handlers

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/counsel-signaling/config"
	"github.com/mossy-p/counsel-signaling/internal/middleware"
	"github.com/mossy-p/counsel-signaling/internal/models"
)

type ICEHandler struct {
	cfg config.ICEConfig
	now func() time.Time
}

func NewICEHandler(cfg config.ICEConfig) *ICEHandler {
	return &ICEHandler{cfg: cfg, now: time.Now}
}

// Servers returns the STUN servers and, when configured, a TURN server with
// credentials in the coturn REST scheme: the username is
// "<expiry>:<user>" and the password is base64(HMAC-SHA1(secret, username)).
func (h *ICEHandler) Servers(c *gin.Context) {
	c.JSON(http.StatusOK, models.ICEServersResponse{ICEServers: h.servers(c)})
}

func (h *ICEHandler) servers(c *gin.Context) []webrtc.ICEServer {
	var out []webrtc.ICEServer
	if len(h.cfg.STUNURLs) > 0 {
		out = append(out, webrtc.ICEServer{URLs: h.cfg.STUNURLs})
	}
	if h.cfg.TURNHost == "" {
		return out
	}

	userID, _ := middleware.UserID(c)
	expiry := h.now().Add(h.cfg.TURNTTL).Unix()
	username := fmt.Sprintf("%d:%s", expiry, userID)

	mac := hmac.New(sha1.New, []byte(h.cfg.TURNSecret))
	mac.Write([]byte(username))
	password := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return append(out, webrtc.ICEServer{
		URLs: []string{
			"turn:" + h.cfg.TURNHost + "?transport=udp",
			"turn:" + h.cfg.TURNHost + "?transport=tcp",
		},
		Username:   username,
		Credential: password,
	})
}
