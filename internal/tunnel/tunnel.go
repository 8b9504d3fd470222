// Package tunnel implements the bidirectional WebSocket forwarding tunnel
// between an upgraded client connection and the matched backend, grounded
// on original_source/src/websocket.rs.
package tunnel

import (
	"context"
	"fmt"
	"net/http"

	"github.com/alwitt/gateway/internal/logging"
	"github.com/alwitt/gateway/internal/metrics"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// Tunnel upgrades one client HTTP request to a WebSocket connection,
// dials the matched backend, and forwards frames bidirectionally.
type Tunnel struct {
	logging.Component
	metrics *metrics.Registry

	clientUpgrader websocket.Upgrader
	backendDialer  websocket.Dialer
	maxMessageSize int64
}

/*
NewTunnel builds a Tunnel configured from the runtime WebSocketConfig.

 @param metrics *metrics.Registry - the shared metric registry
 @param readBufferSize int - client-upgrade read buffer size
 @param writeBufferSize int - client-upgrade and backend-dial write buffer size
 @param maxMessageSize int - SetReadLimit applied to both legs of every tunnel
   (spec.md §4.6/§4.7's `maxMessageSize` bound); 0 means no limit, matching
   gorilla/websocket's own SetReadLimit(0) semantics
 @return the new Tunnel
*/
func NewTunnel(reg *metrics.Registry, readBufferSize int, writeBufferSize int, maxMessageSize int) *Tunnel {
	return &Tunnel{
		Component: logging.Component{LogTags: log.Fields{"module": "tunnel", "component": "websocket"}},
		metrics:   reg,
		clientUpgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		backendDialer: websocket.Dialer{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
		},
		maxMessageSize: int64(maxMessageSize),
	}
}

/*
Upgrade dials backendWSURI, completes the client-side upgrade, and spawns the
two forwarding goroutines, returning once the tunnel is established (it does
not block for the tunnel's lifetime — matching the original's spawn-then-
return shape in handle_upgrade).

 @param ctxt context.Context - the request's context
 @param w http.ResponseWriter - the client response writer to upgrade
 @param r *http.Request - the client upgrade request
 @param backendWSURI string - the ws:// URI of the matched backend
 @param app string - the app name, for per-app socket metrics
*/
func (t *Tunnel) Upgrade(ctxt context.Context, w http.ResponseWriter, r *http.Request, backendWSURI string, app string) error {
	logTags := t.GetLogTagsForContext(ctxt)

	backendConn, resp, err := t.backendDialer.DialContext(ctxt, backendWSURI, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
		}
		log.WithError(err).WithFields(logTags).Errorf("Failed to dial backend %s", backendWSURI)
		return fmt.Errorf("dial backend websocket %s: %w", backendWSURI, err)
	}

	clientConn, err := t.clientUpgrader.Upgrade(w, r, nil)
	if err != nil {
		backendConn.Close()
		log.WithError(err).WithFields(logTags).Error("Failed to upgrade client connection")
		return fmt.Errorf("upgrade client websocket: %w", err)
	}

	backendConn.SetReadLimit(t.maxMessageSize)
	clientConn.SetReadLimit(t.maxMessageSize)

	guard := t.metrics.NewSocketGuard(app)

	go t.serve(logTags, clientConn, backendConn, guard)

	return nil
}

// serve runs the two forwarding loops and releases the socket guard and both
// connections once either direction terminates, matching the original's
// try_join! "first error tears down both" semantics. A panic in either loop is
// recovered and logged at the goroutine boundary, so the guard and both
// connections are released on that path too.
func (t *Tunnel) serve(logTags log.Fields, clientConn *websocket.Conn, backendConn *websocket.Conn, guard *metrics.SocketGuard) {
	defer guard.Close()
	defer clientConn.Close()
	defer backendConn.Close()

	done := make(chan struct{}, 2)
	finish := func(direction string) {
		if p := recover(); p != nil {
			log.WithFields(logTags).WithField("direction", direction).Errorf("Websocket forwarding panicked: %v", p)
		}
		done <- struct{}{}
	}

	go func() {
		defer finish("client->backend")
		t.forward(logTags, clientConn, backendConn, guard.MessageReceived, "client->backend")
	}()
	go func() {
		defer finish("backend->client")
		t.forward(logTags, backendConn, clientConn, guard.MessageSent, "backend->client")
	}()

	<-done
}

// forward copies messages from src to dst until src errors or closes,
// recording size via commit for each successfully forwarded message.
func (t *Tunnel) forward(logTags log.Fields, src *websocket.Conn, dst *websocket.Conn, commit func(int), direction string) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.WithFields(logTags).WithField("direction", direction).
					WithError(err).Warn("Error reading websocket message")
			}
			_ = dst.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		commit(len(data))
		if err := dst.WriteMessage(msgType, data); err != nil {
			log.WithFields(logTags).WithField("direction", direction).
				WithError(err).Warn("Failed to forward websocket message")
			return
		}
	}
}
