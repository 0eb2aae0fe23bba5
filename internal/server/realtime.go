package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/notenest/backend/internal/collab"
	"github.com/notenest/backend/internal/notes"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// realtimeClient is one WebSocket connection. Frames flow out through the
// buffered send channel; a slow reader drops frames rather than stalling the
// room it belongs to.
type realtimeClient struct {
	connectionID string
	userID       string

	conn     *websocket.Conn
	protocol *collab.Protocol
	logger   *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newRealtimeClient(connectionID, userID string, conn *websocket.Conn, protocol *collab.Protocol, logger *zap.Logger) *realtimeClient {
	return &realtimeClient{
		connectionID: connectionID,
		userID:       userID,
		conn:         conn,
		protocol:     protocol,
		logger:       logger,
		send:         make(chan []byte, sendBufferSize),
	}
}

// deliver satisfies collab.DeliverFunc.
func (c *realtimeClient) deliver(event collab.Event) {
	c.enqueue(frameFromEvent(event).Encode())
}

func (c *realtimeClient) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("dropping frame for slow client",
			zap.String("connection_id", c.connectionID))
	}
}

// closeSend makes late room broadcasts harmless after the read pump exits.
func (c *realtimeClient) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *realtimeClient) sendError(frameType, message string) {
	c.enqueue(ServerFrame{Type: frameType, Message: message}.Encode())
}

func (c *realtimeClient) readPump() {
	defer func() {
		c.protocol.Leave(c.connectionID)
		c.closeSend()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read ended",
					zap.String("connection_id", c.connectionID), zap.Error(err))
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError(FrameError, "invalid frame")
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *realtimeClient) handleFrame(frame ClientFrame) {
	ctx := context.Background()

	switch frame.Type {
	case FrameJoin:
		_, err := c.protocol.Join(ctx, c.connectionID, c.userID, frame.NoteID, frame.WorkspaceID, c.deliver)
		switch {
		case err == nil:
		case errors.Is(err, collab.ErrAccessDenied):
			c.sendError(FrameAccessDenied, "not a member of this workspace")
		case errors.Is(err, notes.ErrNoteNotFound):
			c.sendError(FrameNoteNotFound, "note not found in this workspace")
		default:
			c.logger.Error("join failed",
				zap.String("connection_id", c.connectionID), zap.Error(err))
			c.sendError(FrameError, "join failed")
		}

	case FrameLeave:
		c.protocol.Leave(c.connectionID)

	case FrameSyncReply:
		payload, err := frame.DecodePayload()
		if err != nil {
			c.sendError(FrameError, "invalid payload encoding")
			return
		}
		if err := c.protocol.HandleSyncReply(ctx, c.connectionID, payload); err != nil &&
			!errors.Is(err, collab.ErrMalformedDelta) {
			c.sendError(FrameError, "sync failed")
		}

	case FrameUpdate:
		payload, err := frame.DecodePayload()
		if err != nil {
			c.sendError(FrameError, "invalid payload encoding")
			return
		}
		// Malformed deltas are dropped server-side; the session stays synced.
		if err := c.protocol.HandleUpdate(ctx, c.connectionID, payload); err != nil &&
			errors.Is(err, collab.ErrNotJoined) {
			c.sendError(FrameError, "not joined to a note")
		}

	case FrameLegacyUpdate:
		c.handleLegacyUpdate(ctx, frame)

	default:
		c.sendError(FrameError, "unknown frame type: "+frame.Type)
	}
}

func (c *realtimeClient) handleLegacyUpdate(ctx context.Context, frame ClientFrame) {
	noteID, err := notes.NewNoteID(frame.NoteID)
	if err != nil {
		c.sendError(FrameError, "invalid note id")
		return
	}
	editorID, err := notes.NewUserID(c.userID)
	if err != nil {
		c.sendError(FrameError, "invalid user id")
		return
	}

	outcome, err := c.protocol.LegacyUpdate(ctx, c.userID, notes.LegacyUpdateRequest{
		NoteID:          noteID,
		Title:           frame.Title,
		Content:         frame.Content,
		ExpectedVersion: frame.ExpectedVersion,
		EditorID:        editorID,
	}, c.connectionID)
	switch {
	case errors.Is(err, collab.ErrAccessDenied):
		c.sendError(FrameAccessDenied, "not a member of this workspace")
		return
	case errors.Is(err, notes.ErrNoteNotFound):
		c.sendError(FrameNoteNotFound, "note not found")
		return
	case err != nil:
		c.logger.Error("legacy update failed",
			zap.String("connection_id", c.connectionID), zap.Error(err))
		c.sendError(FrameError, "update failed")
		return
	}

	if !outcome.Accepted {
		c.enqueue(ServerFrame{
			Type:     FrameConflict,
			NoteID:   frame.NoteID,
			Conflict: outcome.Conflict,
		}.Encode())
		return
	}
	// Room broadcasts exclude the writer; confirm to it directly.
	c.enqueue(ServerFrame{
		Type:      FrameNoteUpdated,
		NoteID:    outcome.Note.NoteID,
		Title:     outcome.Note.Title,
		Content:   outcome.Note.Content,
		UpdatedBy: c.userID,
		Version:   outcome.Note.Version,
	}.Encode())
}

func (c *realtimeClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
