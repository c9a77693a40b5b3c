package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/affine-gateway/internal/edgeless"
	"github.com/workspace/affine-gateway/internal/errcode"
	"github.com/workspace/affine-gateway/internal/fabric"
)

// canvasInbound is every client → server message shape; Type selects
// which fields matter.
type canvasInbound struct {
	Type string `json:"type"`

	WorkspaceID string `json:"workspaceId"`
	DocID       string `json:"docId"`

	Points    [][]float64 `json:"points"`
	LineWidth float64     `json:"lineWidth"`

	ShapeType   string    `json:"shapeType"`
	XYWH        []float64 `json:"xywh"`
	Fill        string    `json:"fill"`
	Stroke      string    `json:"stroke"`
	StrokeWidth float64   `json:"strokeWidth"`

	Text     string      `json:"text"`
	FontSize float64     `json:"fontSize"`
	Color    interface{} `json:"color"`

	ElementID string                 `json:"elementId"`
	Changes   map[string]interface{} `json:"changes"`
}

// canvasConn serialises writes to one client socket; the fabric and the
// read loop both send through it.
type canvasConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *canvasConn) send(v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		slog.Debug("Canvas write failed", "error", err)
	}
}

// Deliver implements fabric.Sink: wrap a fabric event into the wire
// shape and write it out.
func (c *canvasConn) Deliver(e fabric.Event) {
	c.send(map[string]interface{}{
		"type":      e.Type,
		"element":   nilIfEmptyMap(e.Element),
		"elementId": e.ElementID,
		"changes":   nilIfEmptyMap(e.Changes),
	})
}

func nilIfEmptyMap(m map[string]interface{}) interface{} {
	if len(m) == 0 {
		return nil
	}
	return m
}

func (c *canvasConn) sendError(err error) {
	c.send(map[string]interface{}{
		"type":    "error",
		"code":    string(errcode.CodeOf(err)),
		"message": err.Error(),
	})
}

// handleCanvasWS runs one live canvas client: join, then element
// traffic until close or idle timeout. Per-message failures go to this
// client only; the session stays open.
func (s *Server) handleCanvasWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Canvas upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	cc := &canvasConn{conn: conn}
	var client *fabric.Client
	defer func() {
		if client != nil {
			s.fabric.Leave(client)
		}
	}()

	for {
		if s.config.CanvasIdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.config.CanvasIdleTimeout))
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Canvas client gone", "error", err)
			}
			return
		}

		var msg canvasInbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			cc.sendError(errcode.New(errcode.CodeInvalidInput, "malformed message"))
			continue
		}

		if msg.Type == "ping" {
			cc.send(map[string]string{"type": "pong"})
			continue
		}

		if client == nil {
			if msg.Type != "join" {
				cc.sendError(errcode.New(errcode.CodeInvalidInput, "join a document first"))
				continue
			}
			if msg.WorkspaceID == "" || msg.DocID == "" {
				cc.sendError(errcode.New(errcode.CodeInvalidInput, "workspaceId and docId are required"))
				continue
			}
			joined, elements, err := s.fabric.Join(r.Context(), msg.WorkspaceID, msg.DocID, cc)
			if err != nil {
				cc.sendError(err)
				continue
			}
			client = joined
			if elements == nil {
				elements = []map[string]interface{}{}
			}
			cc.send(map[string]interface{}{"type": "init", "elements": elements})
			continue
		}

		if msg.Type == "join" {
			cc.sendError(errcode.New(errcode.CodeInvalidInput, "already joined"))
			continue
		}

		if err := s.dispatchCanvas(r, client, msg); err != nil {
			cc.sendError(err)
		}
	}
}

func (s *Server) dispatchCanvas(r *http.Request, client *fabric.Client, msg canvasInbound) error {
	ctx := r.Context()
	switch msg.Type {
	case "brush":
		if len(msg.Points) < 2 {
			return errcode.New(errcode.CodeInvalidInput, "brush needs at least two points")
		}
		_, err := client.CreateBrush(ctx, edgeless.BrushOptions{
			Points:    msg.Points,
			Color:     msg.Color,
			LineWidth: msg.LineWidth,
		})
		return err
	case "shape":
		var xywh edgeless.XYWH
		if len(msg.XYWH) != 4 {
			return errcode.New(errcode.CodeInvalidInput, "shape needs xywh of four numbers")
		}
		copy(xywh[:], msg.XYWH)
		_, err := client.CreateShape(ctx, edgeless.ShapeOptions{
			ShapeType:   msg.ShapeType,
			XYWH:        xywh,
			FillColor:   msg.Fill,
			StrokeColor: msg.Stroke,
			StrokeWidth: msg.StrokeWidth,
		})
		return err
	case "text":
		if msg.Text == "" {
			return errcode.New(errcode.CodeInvalidInput, "text is required")
		}
		var xywh edgeless.XYWH
		if len(msg.XYWH) == 4 {
			copy(xywh[:], msg.XYWH)
		}
		_, err := client.CreateText(ctx, edgeless.TextOptions{
			Text:     msg.Text,
			XYWH:     xywh,
			FontSize: msg.FontSize,
			Color:    msg.Color,
		})
		return err
	case "update":
		if msg.ElementID == "" || len(msg.Changes) == 0 {
			return errcode.New(errcode.CodeInvalidInput, "elementId and changes are required")
		}
		_, err := client.UpdateElement(ctx, msg.ElementID, msg.Changes)
		return err
	case "delete":
		if msg.ElementID == "" {
			return errcode.New(errcode.CodeInvalidInput, "elementId is required")
		}
		return client.DeleteElement(ctx, msg.ElementID)
	default:
		return errcode.New(errcode.CodeInvalidInput, "unknown message type %q", msg.Type)
	}
}
