// Package ws pushes lifecycle events to dashboards over Socket.IO. Each
// connection joins the room of the subscription its token names.
package ws

import (
	"context"
	"net/http"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/sirupsen/logrus"

	"go_certorch/internal/model"
	"go_certorch/internal/store"
)

const namespace = "/"

// CertificateLister backs the request:certificates event
type CertificateLister interface {
	ListCertificates(ctx context.Context, filter store.ListFilter) ([]*model.Certificate, int64, error)
}

// broadcaster is the part of socketio.Server the sink needs
type broadcaster interface {
	BroadcastToRoom(namespace, room, event string, args ...interface{}) bool
	BroadcastToNamespace(namespace, event string, args ...interface{}) bool
}

// Hub owns the Socket.IO server
type Hub struct {
	server *socketio.Server
	out    broadcaster
	lister CertificateLister
	logger *logrus.Entry
}

// NewHub creates the Socket.IO server and registers its handlers
func NewHub(lister CertificateLister, logger *logrus.Entry) *Hub {
	checkOrigin := func(r *http.Request) bool { return true }
	server := socketio.NewServer(&engineio.Options{
		Transports: []transport.Transport{
			&polling.Transport{CheckOrigin: checkOrigin},
			&websocket.Transport{CheckOrigin: checkOrigin},
		},
	})

	h := &Hub{
		server: server,
		out:    server,
		lister: lister,
		logger: logger.WithField("component", "ws"),
	}

	server.OnConnect(namespace, h.onConnect)
	server.OnDisconnect(namespace, func(s socketio.Conn, reason string) {
		h.logger.WithFields(logrus.Fields{"conn": s.ID(), "reason": reason}).Debug("Client disconnected")
	})
	server.OnError(namespace, func(s socketio.Conn, e error) {
		if s == nil {
			h.logger.WithError(e).Warn("Socket.IO error")
			return
		}
		h.logger.WithError(e).WithField("conn", s.ID()).Warn("Socket.IO error")
	})
	server.OnEvent(namespace, "request:certificates", h.handleRequestCertificates)

	return h
}

func (h *Hub) onConnect(s socketio.Conn) error {
	u := s.URL()
	claims, err := claimsFrom(u.Query().Get("token"), s.RemoteHeader())
	if err != nil {
		h.logger.WithError(err).WithField("conn", s.ID()).Warn("Connection without valid token")
		return err
	}
	s.SetContext(claims)
	s.Join(subscriptionRoom(claims.SubscriptionID))
	h.logger.WithFields(logrus.Fields{"conn": s.ID(), "subscription": claims.SubscriptionID}).Debug("Client connected")

	s.Emit("connected", map[string]interface{}{
		"ok":             true,
		"subscriptionId": claims.SubscriptionID,
	})
	return nil
}

// Start serves connections in the background
func (h *Hub) Start() {
	go func() {
		if err := h.server.Serve(); err != nil {
			h.logger.WithError(err).Error("Socket.IO server stopped")
		}
	}()
	h.logger.Info("Socket.IO server started")
}

// Close shuts the server down
func (h *Hub) Close() error {
	return h.server.Close()
}

// Handler is the authenticated HTTP entry point, mounted at /socket.io/
func (h *Hub) Handler() http.Handler {
	return requireToken(h.server, h.logger)
}
