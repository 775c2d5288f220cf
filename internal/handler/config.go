package handler

import "net/http"

// ClientConfig is the public part of the relay configuration.
type ClientConfig struct {
	PushEnabled    bool   `json:"pushEnabled"`
	VAPIDPublicKey string `json:"vapidPublicKey,omitempty"`
	MaxUploadSize  int64  `json:"maxUploadSize"`
}

type ConfigHandler struct {
	cfg ClientConfig
}

func NewConfigHandler(cfg ClientConfig) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

// Get needs no authentication.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg)
}
