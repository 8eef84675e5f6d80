package signaling

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one instance per client socket: it holds the hub reference, the
// outbound sender, and the current peer/room id the socket has settled on.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	log    *zap.Logger
	sendCh chan interface{}

	peerID string
	roomID string
}

// ServeWS upgrades the request to a WebSocket and runs the client's
// read/write pumps until the socket closes.
func ServeWS(hub *Hub, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		client := &Client{hub: hub, conn: conn, log: log, sendCh: make(chan interface{}, 256)}
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) send(v interface{}) {
	select {
	case c.sendCh <- v:
	default:
		c.log.Warn("outbound buffer full, dropping envelope", zap.String("peer_id", c.peerID))
	}
}

func (c *Client) readPump() {
	defer func() {
		if c.peerID != "" {
			c.hub.handleLeave(c.peerID)
		}
		close(c.sendCh)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env Inbound
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case v, ok := <-c.sendCh:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(v); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(env Inbound) {
	switch env.Type {
	case "CreateRoom":
		c.peerID = env.PeerID
		c.hub.handleCreateRoom(env, c.send)

	case "JoinRequest":
		c.peerID = env.PeerID
		c.roomID = env.RoomID
		c.hub.handleJoinRequest(env, c.send)

	case "JoinResponse":
		c.hub.handleJoinResponse(env)

	case "Join":
		c.peerID = env.PeerID
		c.roomID = env.RoomID
		_ = c.hub.handleJoin(env, c.send)

	case "Leave":
		if env.PeerID != "" {
			c.hub.handleLeave(env.PeerID)
		} else if c.peerID != "" {
			c.hub.handleLeave(c.peerID)
		}

	case "Answer":
		c.hub.handleAnswer(env, c.send)

	case "IceCandidate":
		c.hub.handleICECandidate(env, c.send)

	case "MediaReady":
		c.log.Debug("media ready", zap.String("peer_id", env.PeerID))

	case "StartRecording":
		c.hub.handleStartRecording(env, c.send)
	case "StopRecording":
		c.hub.handleStopRecording(env, c.send)
	case "StopAllRecordings":
		c.hub.handleStopAllRecordings(env, c.send)
	case "GetRecordingStatus":
		c.hub.handleGetRecordingStatus(env, c.send)

	case "KickParticipant":
		c.hub.handleKickParticipant(env)

	case "StartIdVerification":
		c.hub.handleStartIDVerification(env)
	case "IdVerificationResult":
		c.hub.handleIDVerificationResult(env)
	case "ReportSuspiciousActivity":
		c.hub.handleReportSuspiciousActivity(env, c.send)
	case "SubmitExamResult":
		c.hub.handleSubmitExamResult(env, c.send)

	default:
		c.log.Debug("unrecognized envelope type", zap.String("type", env.Type))
		c.send(newError("unrecognized message type: " + env.Type))
	}
}
