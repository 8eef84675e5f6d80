package signaling

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/proctorsfu/core/internal/sfu"
)

const (
	serviceName    = "SFU Server"
	serviceVersion = "1.0.0"
)

// RecordingFeature describes the recording sidecar's non-secret settings for
// the /sfu/config feature-flag echo.
type RecordingFeature struct {
	Enabled bool   `json:"enabled"`
	Format  string `json:"format,omitempty"`
}

// IPFSFeature describes the content-addressed object store's non-secret
// settings for the /sfu/config feature-flag echo.
type IPFSFeature struct {
	Enabled    bool   `json:"enabled"`
	GatewayURL string `json:"gateway_url,omitempty"`
}

// BlockchainFeature describes the external event ledger's non-secret
// settings for the /sfu/config feature-flag echo. The contract address is
// included since it isn't a secret on its own; the private key never is.
type BlockchainFeature struct {
	Enabled         bool   `json:"enabled"`
	ContractAddress string `json:"contract_address,omitempty"`
}

// PublicConfig is what GET /sfu/config exposes to clients: enough to build a
// matching RTCPeerConnection and to know which optional subsystems are live,
// without leaking any credential.
type PublicConfig struct {
	SignalingURL string `json:"signaling_url"`
	STUNURL      string `json:"stun_url"`
	TURNURL      string `json:"turn_url,omitempty"`
	UIURL        string `json:"ui_url,omitempty"`
	ProctorUIURL string `json:"proctor_ui_url,omitempty"`

	Recording  RecordingFeature  `json:"recording"`
	IPFS       IPFSFeature       `json:"ipfs"`
	Blockchain BlockchainFeature `json:"blockchain"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// RegisterRoutes wires the signaling WebSocket and its companion HTTP
// endpoints onto router. The health and config endpoints return the literal,
// unwrapped shapes clients expect, not the generic response envelope used
// elsewhere in the API.
func RegisterRoutes(router gin.IRouter, hub *Hub, server *sfu.Server, log *zap.Logger, cfg PublicConfig) {
	router.GET("/sfu/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, healthResponse{Status: "healthy", Service: serviceName, Version: serviceVersion})
	})
	router.GET("/sfu/config", func(c *gin.Context) {
		c.JSON(http.StatusOK, cfg)
	})
	router.GET("/sfu", ServeWS(hub, log))
}
