package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ashureev/middleman/internal/bridge"
	"github.com/ashureev/middleman/internal/config"
	"github.com/ashureev/middleman/internal/dirpick"
	"github.com/ashureev/middleman/internal/hub"
	"github.com/ashureev/middleman/internal/protocol"
	"github.com/ashureev/middleman/internal/swarm"
	"github.com/coder/websocket"
)

// Handler upgrades client connections and speaks the wire protocol.
type Handler struct {
	mgr           *swarm.Manager
	picker        dirpick.Picker
	cfg           *config.Config
	logger        *slog.Logger
	allowedOrigin string
	isDev         bool
}

// NewHandler creates the WebSocket endpoint handler.
func NewHandler(mgr *swarm.Manager, picker dirpick.Picker, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		mgr:           mgr,
		picker:        picker,
		cfg:           cfg,
		logger:        logger,
		allowedOrigin: cfg.FrontendURL,
		isDev:         cfg.IsDevelopment(),
	}
}

// conn is one client connection. Writes are serialized by the outbound
// writer goroutine plus a mutex for pre-subscription responses.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	subID   string
	sub     *hub.Subscriber
}

func (c *conn) writeRaw(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(context.Background(), websocket.MessageText, payload)
}

func (c *conn) send(v any) {
	if err := c.writeRaw(protocol.Marshal(v)); err != nil {
		slog.Debug("websocket write failed", "error", err)
	}
}

func (c *conn) sendError(code, message, requestID string) {
	c.send(protocol.ErrorEvent{Type: protocol.EvtError, Code: code, Message: message, RequestID: requestID})
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("failed to accept websocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	c := &conn{ws: ws}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	tracker := NewTracker(h.cfg.Timeout.RPC, h.cfg.RPCCompatRejectOldest, h.logger)
	defer tracker.Close()
	tracker.OnTimeout = func(reqType, requestID string) {
		c.sendError(protocol.CodeRPCTimeout, "request "+reqType+" timed out", requestID)
	}

	defer func() {
		if c.subID != "" {
			h.mgr.Unsubscribe(c.subID)
		}
	}()

	h.logger.Info("websocket connected", "ip", r.RemoteAddr)
	h.readLoop(ctx, cancel, c, tracker)
	h.logger.Info("websocket disconnected", "ip", r.RemoteAddr)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// outboundLoop drains the subscriber queue onto the socket. One writer
// per connection; it exits when the subscriber closes or the connection
// context ends.
func (h *Handler) outboundLoop(ctx context.Context, cancel context.CancelFunc, c *conn) {
	defer cancel()
	for {
		payload, err := c.sub.Receive(ctx)
		if err != nil {
			return
		}
		if err := c.writeRaw(payload); err != nil {
			h.logger.Debug("outbound write failed, dropping connection", "error", err)
			return
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, cancel context.CancelFunc, c *conn, tracker *Tracker) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				return
			}
			h.logger.Warn("websocket read error", "error", err)
			return
		}

		cmd, err := protocol.Decode(data)
		if err != nil {
			h.logger.Warn("bad client command", "error", err)
			continue
		}
		h.dispatch(ctx, cancel, c, tracker, cmd)
	}
}

//nolint:gocognit // Command dispatch is one flat switch over the protocol surface.
func (h *Handler) dispatch(ctx context.Context, cancel context.CancelFunc, c *conn, tracker *Tracker, cmd protocol.Command) {
	switch cmd.Type {
	case protocol.CmdPing:
		c.send(protocol.Pong{Type: protocol.EvtPong})

	case protocol.CmdSubscribe:
		h.handleSubscribe(ctx, cancel, c, tracker, cmd)

	case protocol.CmdUserMessage:
		h.handleUserMessage(ctx, c, tracker, cmd)

	case protocol.CmdKillAgent:
		if err := h.mgr.KillAgent(ctx, cmd.AgentID); err != nil {
			h.replyError(c, tracker, err, cmd.RequestID)
		}

	case protocol.CmdCreateManager:
		reqCtx, finish := tracker.Begin(cmd.Type, cmd.RequestID)
		go func() {
			_, err := h.mgr.CreateManager(reqCtx, cmd.Name, cmd.Cwd, cmd.Model, cmd.RequestID)
			if !finish() {
				return
			}
			if err != nil {
				h.replyError(c, tracker, err, cmd.RequestID)
			}
			// Success is announced by the manager_created broadcast.
		}()

	case protocol.CmdDeleteManager:
		reqCtx, finish := tracker.Begin(cmd.Type, cmd.RequestID)
		go func() {
			err := h.mgr.DeleteManager(reqCtx, cmd.ManagerID, cmd.RequestID)
			if !finish() {
				return
			}
			if err != nil {
				h.replyError(c, tracker, err, cmd.RequestID)
			}
		}()

	case protocol.CmdStopAllAgents:
		reqCtx, finish := tracker.Begin(cmd.Type, cmd.RequestID)
		go func() {
			stopped, managerStopped, err := h.mgr.StopAllAgents(reqCtx, cmd.ManagerID)
			if !finish() {
				return
			}
			if err != nil {
				h.replyError(c, tracker, err, cmd.RequestID)
				return
			}
			if stopped == nil {
				stopped = []string{}
			}
			c.send(protocol.StopAllAgentsResult{
				Type:           protocol.EvtStopAllAgentsResult,
				ManagerID:      cmd.ManagerID,
				StoppedWorkers: stopped,
				ManagerStopped: managerStopped,
				RequestID:      cmd.RequestID,
			})
		}()

	case protocol.CmdListDirectories:
		path, dirs, err := dirpick.ListDirectories(cmd.Path)
		if err != nil {
			c.sendError(protocol.CodeInvalidDirectory, err.Error(), cmd.RequestID)
			return
		}
		if dirs == nil {
			dirs = []protocol.DirEntry{}
		}
		c.send(protocol.DirectoriesListed{
			Type:        protocol.EvtDirectoriesListed,
			Path:        path,
			Directories: dirs,
			RequestID:   cmd.RequestID,
		})

	case protocol.CmdValidateDirectory:
		valid, reason := dirpick.ValidateDirectory(cmd.Path)
		c.send(protocol.DirectoryValidated{
			Type:      protocol.EvtDirectoryValidated,
			Path:      cmd.Path,
			Valid:     valid,
			Reason:    reason,
			RequestID: cmd.RequestID,
		})

	case protocol.CmdPickDirectory:
		if h.picker == nil {
			c.sendError(protocol.CodeInvalidDirectory, "no directory picker available", cmd.RequestID)
			return
		}
		reqCtx, finish := tracker.Begin(cmd.Type, cmd.RequestID)
		go func() {
			path, cancelled, err := h.picker.PickDirectory(reqCtx, cmd.DefaultPath)
			if !finish() {
				return
			}
			if err != nil {
				c.sendError(protocol.CodeInvalidDirectory, err.Error(), cmd.RequestID)
				return
			}
			c.send(protocol.DirectoryPicked{
				Type:      protocol.EvtDirectoryPicked,
				Path:      path,
				Cancelled: cancelled,
				RequestID: cmd.RequestID,
			})
		}()
	}
}

func (h *Handler) handleSubscribe(ctx context.Context, cancel context.CancelFunc, c *conn, tracker *Tracker, cmd protocol.Command) {
	if c.sub == nil {
		sub, chosen, err := h.mgr.Subscribe(cmd.AgentID)
		if err != nil {
			h.replyError(c, tracker, err, cmd.RequestID)
			return
		}
		c.sub = sub
		c.subID = sub.ID
		go h.outboundLoop(ctx, cancel, c)
		h.logger.Info("subscriber attached", "subscriber_id", c.subID, "agent_id", chosen)
		return
	}

	target := cmd.AgentID
	if target == "" {
		if primary, ok := h.mgr.ManagerFor(""); ok {
			target = primary.AgentID
		}
	}
	if target == "" {
		c.sendError(protocol.CodeUnknownAgent, "no agents to subscribe to", cmd.RequestID)
		return
	}
	if err := h.mgr.SwitchTo(c.subID, target); err != nil {
		h.replyError(c, tracker, err, cmd.RequestID)
	}
}

func (h *Handler) handleUserMessage(ctx context.Context, c *conn, tracker *Tracker, cmd protocol.Command) {
	agentID := cmd.AgentID
	if agentID == "" && c.sub != nil {
		agentID = c.sub.Current()
	}
	in, ok := bridge.NormalizeWeb(agentID, cmd.Text, cmd.Attachments, cmd.Delivery)
	if !ok {
		// Empty text and no attachments: dropped silently, not an error.
		return
	}
	if err := h.mgr.HandleInput(ctx, in); err != nil {
		h.replyError(c, tracker, err, cmd.RequestID)
	}
}

// replyError surfaces a coded supervisor error on this connection.
// When the error carries no requestId and the compat flag is on, the
// legacy fallback correlates it by rejecting the oldest pending request
// whose type matches the code's prefix and echoing that requestId.
func (h *Handler) replyError(c *conn, tracker *Tracker, err error, requestID string) {
	var coded *swarm.Error
	if errors.As(err, &coded) {
		if requestID == "" {
			if _, legacyID, ok := tracker.RejectByCodePrefix(coded.Code); ok {
				requestID = legacyID
			}
		}
		c.sendError(coded.Code, coded.Message, requestID)
		return
	}
	c.sendError(protocol.CodeRuntimeProtocolError, err.Error(), requestID)
}
