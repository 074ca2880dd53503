package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"heavy.local/research-gateway/internal/ids"
	"heavy.local/research-gateway/internal/protocol"
	"heavy.local/research-gateway/internal/registry"
)

const (
	maxInboundMessageBytes int64 = 64 << 10
	defaultPingInterval          = 30 * time.Second
	writeWait                    = 10 * time.Second
)

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return originAllowed(r, s.opts.AllowedOrigins) },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("ws upgrade failed remote=%s err=%v", r.RemoteAddr, err)
		return
	}
	defer ws.Close()

	conn := registry.NewConn(ids.New(), requestIdentity(r), s.opts.OutboundQueueSize)
	s.conns.Register(conn)
	s.logger.Printf("connection opened conn_id=%s user_id=%s remote=%s", conn.ID(), conn.UserID(), r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ws, conn)
	}()

	s.readLoop(r.Context(), ws, conn)

	// The session, if any, keeps running; only this viewer goes away.
	s.conns.Unregister(conn.ID())
	conn.Close()
	<-writerDone
	s.logger.Printf("connection closed conn_id=%s user_id=%s", conn.ID(), conn.UserID())
}

func (s *server) readLoop(ctx context.Context, ws *websocket.Conn, conn *registry.Conn) {
	pongWait := 2 * s.opts.PingInterval
	ws.SetReadLimit(maxInboundMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("ws read failed conn_id=%s err=%v", conn.ID(), err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		select {
		case <-conn.Done():
			return
		default:
		}
		s.handleCommand(ctx, conn, raw)
	}
}

// writeLoop is the only writer on ws. It exits when conn is closed, either by
// the reader or by the registry on outbound overflow.
func (s *server) writeLoop(ws *websocket.Conn, conn *registry.Conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(msg); err != nil {
				s.logger.Printf("ws write failed conn_id=%s type=%s err=%v", conn.ID(), msg.Type, err)
				conn.Close()
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				conn.Close()
				_ = ws.Close()
				return
			}
		case <-conn.Done():
			_ = ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			_ = ws.Close()
			return
		}
	}
}

// handleCommand maps one inbound frame onto the orchestrator. Every failure is
// answered on the same connection; none of them closes it.
func (s *server) handleCommand(ctx context.Context, conn *registry.Conn, raw []byte) {
	msg, err := protocol.ParseCommand(raw)
	if err != nil {
		s.replyError(conn, fmt.Sprintf("invalid command: %v", err))
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		var cmd protocol.Ping
		if err := msg.DecodeData(&cmd); err != nil {
			s.replyError(conn, err.Error())
			return
		}
		s.reply(conn, protocol.TypePong, protocol.Pong{Timestamp: time.Now().UTC()})

	case protocol.TypeStartResearch:
		var cmd protocol.StartResearch
		if err := msg.DecodeData(&cmd); err != nil {
			s.replyError(conn, err.Error())
			return
		}
		if !s.attachIdentity(conn, cmd.UserID) {
			return
		}
		if err := s.orch.Start(ctx, conn, cmd.Query); err != nil {
			s.logger.Printf("start rejected conn_id=%s user_id=%s err=%v", conn.ID(), conn.UserID(), err)
			s.replyError(conn, err.Error())
		}

	case protocol.TypeReconnectSession:
		var cmd protocol.ReconnectSession
		if err := msg.DecodeData(&cmd); err != nil {
			s.replyError(conn, err.Error())
			return
		}
		if !s.attachIdentity(conn, cmd.UserID) {
			return
		}
		_ = s.orch.Reconnect(ctx, conn, cmd.SessionID)

	case protocol.TypeGetActiveSessions:
		var cmd protocol.GetActiveSessions
		if err := msg.DecodeData(&cmd); err != nil {
			s.replyError(conn, err.Error())
			return
		}
		if !s.attachIdentity(conn, cmd.UserID) {
			return
		}
		if conn.UserID() == "" {
			s.replyError(conn, "identity required")
			return
		}
		sessions, err := s.orch.ActiveSessions(ctx, conn.UserID())
		if err != nil {
			s.logger.Printf("list active sessions failed conn_id=%s err=%v", conn.ID(), err)
			s.replyError(conn, "failed to list sessions")
			return
		}
		s.reply(conn, protocol.TypeActiveSessions, protocol.ActiveSessions{Sessions: sessions})
	}
}

func (s *server) attachIdentity(conn *registry.Conn, userID string) bool {
	if _, err := conn.AttachIdentity(userID); err != nil {
		if errors.Is(err, registry.ErrIdentityMismatch) {
			s.logger.Printf("identity mismatch conn_id=%s attached=%s claimed=%s", conn.ID(), conn.UserID(), userID)
		}
		s.replyError(conn, err.Error())
		return false
	}
	return true
}

func (s *server) reply(conn *registry.Conn, typ protocol.MessageType, payload any) {
	msg, err := protocol.NewMessage(typ, payload)
	if err != nil {
		s.logger.Printf("encode message type=%s err=%v", typ, err)
		return
	}
	conn.Send(msg)
}

func (s *server) replyError(conn *registry.Conn, reason string) {
	s.reply(conn, protocol.TypeResearchError, protocol.ResearchError{Error: reason})
}
