package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type clientConfigResponse struct {
	Debug bool `json:"debug"`
}

type iceServer struct {
	URLs []string `json:"urls"`
}

type iceConfigResponse struct {
	ICEServers []iceServer `json:"iceServers"`
}

func (h *Handlers) GetClientConfig(c *gin.Context) {
	c.JSON(http.StatusOK, clientConfigResponse{
		Debug: h.config != nil && h.config.LogLevel == "debug",
	})
}

// GetICEConfig lists the STUN servers clients should gather candidates
// against. The relay does not run a TURN server.
func (h *Handlers) GetICEConfig(c *gin.Context) {
	resp := iceConfigResponse{ICEServers: []iceServer{}}
	if h.config != nil && len(h.config.STUNServers) > 0 {
		resp.ICEServers = append(resp.ICEServers, iceServer{URLs: h.config.STUNServers})
	}
	c.JSON(http.StatusOK, resp)
}
