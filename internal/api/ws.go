package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/dashboard"
)

// WSHandler handles the dashboard WebSocket upgrade endpoint GET
// /api/v1/ws. Topic subscription is declared at connection time via the
// `topics` query parameter (comma-separated); an empty list means the
// client only receives broadcast messages.
type WSHandler struct {
	hub    *dashboard.Hub
	logger *zap.Logger
}

func NewWSHandler(hub *dashboard.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, logger: logger.Named("ws_handler")}
}

// Serve handles GET /api/v1/ws. It blocks until the connection closes.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	topics := parseTopics(r.URL.Query().Get("topics"))

	client, err := dashboard.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		h.logger.Warn("dashboard ws: upgrade failed", zap.Error(err))
		return
	}

	h.logger.Info("dashboard ws: client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics),
	)
	client.Run()
	h.logger.Info("dashboard ws: client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

func parseTopics(raw string) []string {
	if raw == "" {
		return nil
	}
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}
