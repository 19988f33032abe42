/*
Package handler provides the HTTP handler function for WebSocket connection
upgrading and initialization.

This file contains the HandleWebSocket function, which is responsible for
rate limiting, recovering the handshake trace context, upgrading the HTTP
connection to WebSocket, and initiating the session lifecycle.
*/
package handler

import (
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"muconf/internal/app/conference"
	"muconf/internal/pkg/errs"
	"muconf/internal/pkg/limiter"
	"muconf/internal/pkg/logx"
	"muconf/internal/pkg/resp"
	"muconf/internal/pkg/tracex"
)

// HandleWebSocket creates an HTTP HandlerFunc to process WebSocket connection
// requests. The handshake may carry the initial trace token via headers or,
// where headers are unavailable to the caller, via query parameters.
func HandleWebSocket(upgrader websocket.Upgrader, rateLimiter *limiter.IPRateLimiter, deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		if ip == "" {
			ip = "unknown_ip"
		}

		if !rateLimiter.GetLimiter(ip).Allow() {
			logx.Warn("WebSocket connection rejected: Rate limit exceeded.", "ip", ip)
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		handshakeCtx := tracex.ExtractHTTP(deps.Tracer, r.Header, r.URL.Query())

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket")
			return
		}

		session := conference.NewSession(conn, deps.Coordinator, deps.Graph, deps.Dispatch, deps.Tracer, handshakeCtx)

		go session.WritePump()

		logx.Info("WebSocket connection established", "session_id", session.ID(), "ip", ip)

		session.ReadPump()
	}
}
