package api

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"cmdgate/internal/bus"
	"cmdgate/internal/metrics"

	"github.com/gorilla/websocket"
)

const (
	streamBuffer = 64
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// StreamMessage is one frame on /v1/audit/stream. Payload is an
// AuditRecord, ApprovalRequest or ApprovalDecision depending on Type.
type StreamMessage struct {
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

var streamedEvents = []string{
	bus.EventAuditRecorded,
	bus.EventApprovalCreated,
	bus.EventApprovalDecided,
	bus.EventApprovalExpired,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // non-browser clients; auth is enforced before upgrade
	},
}

// handleStream pushes gateway events to a websocket client. A slow client
// loses events rather than stalling Execute.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	events := make(chan bus.Event, streamBuffer)
	var dropped atomic.Int64
	eb := s.gw.Bus()
	ids := make([]string, 0, len(streamedEvents))
	for _, typ := range streamedEvents {
		ids = append(ids, eb.On(typ, func(e bus.Event) {
			select {
			case events <- e:
			default:
				dropped.Add(1)
			}
		}))
	}
	defer func() {
		for i, typ := range streamedEvents {
			eb.Off(typ, ids[i])
		}
	}()

	metrics.WSClients.Inc()
	defer metrics.WSClients.Dec()
	s.logger.Info("stream client connected", "remote", r.RemoteAddr)
	defer func() {
		s.logger.Info("stream client disconnected", "remote", r.RemoteAddr, "dropped", dropped.Load())
	}()

	if err := writeFrame(conn, StreamMessage{Type: "status", At: time.Now(), Payload: "connected"}); err != nil {
		return
	}
	if replay, _ := strconv.ParseBool(r.URL.Query().Get("replay")); replay {
		for _, e := range eb.Replay(bus.EventAuditRecorded, time.Time{}) {
			if err := writeFrame(conn, frameFor(e)); err != nil {
				return
			}
		}
	}

	// The read loop only notices the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("stream read error", "err", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case e := <-events:
			if err := writeFrame(conn, frameFor(e)); err != nil {
				s.logger.Debug("stream write failed", "err", err)
				return
			}
		}
	}
}

func frameFor(e bus.Event) StreamMessage {
	return StreamMessage{Type: e.Type, At: e.Timestamp, Payload: e.Payload}
}

func writeFrame(conn *websocket.Conn, msg StreamMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}
