package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mossy-p/counsel-signaling/internal/metrics"
	"github.com/mossy-p/counsel-signaling/internal/models"
	"github.com/mossy-p/counsel-signaling/internal/signaling"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

const (
	// SignalKindError is pushed to the client when one of its frames was
	// rejected.
	SignalKindError models.SignalKind = "error"

	// SignalKindAck confirms a stored offer and carries its seq.
	SignalKindAck models.SignalKind = "ack"
)

// ErrorFrame reports a rejected inbound frame.
type ErrorFrame struct {
	Kind  models.SignalKind `json:"kind"`
	Error string            `json:"error"`
}

// AckFrame confirms an offer. Answers quote Seq in their offerSeq.
type AckFrame struct {
	Kind models.SignalKind `json:"kind"`
	For  models.SignalKind `json:"for"`
	Seq  int64             `json:"seq"`
}

// SignalingHandler serves the live signaling websocket of a call.
type SignalingHandler struct {
	store  *signaling.Store
	logger *zap.Logger
}

func NewSignalingHandler(store *signaling.Store, logger *zap.Logger) *SignalingHandler {
	return &SignalingHandler{store: store, logger: logger}
}

// Client is one participant connected to a call.
type Client struct {
	SessionID string
	UserID    string
	Role      models.Role
	Conn      *websocket.Conn

	store  *signaling.Store
	logger *zap.Logger
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	subs     []*signaling.Subscription
	offerSeq int64
	hungUp   bool
}

// Handle upgrades an authenticated participant of the call and streams the
// signals of the other role to it.
func (h *SignalingHandler) Handle(c *gin.Context) {
	calls := CallHandler{store: h.store, logger: h.logger}
	rec, role, ok := calls.participant(c)
	if !ok {
		return
	}
	userID := rec.CallerID
	if role == models.RoleCallee {
		userID = rec.CalleeID
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		SessionID: rec.SessionID,
		UserID:    userID,
		Role:      role,
		Conn:      conn,
		store:     h.store,
		logger: h.logger.With(
			zap.String("session_id", rec.SessionID),
			zap.String("user_id", userID),
			zap.String("role", string(role)),
		),
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := client.subscribe(); err != nil {
		client.logger.Error("subscribe to call", zap.Error(err))
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteJSON(ErrorFrame{Kind: SignalKindError, Error: err.Error()})
		client.close()
		conn.Close()
		return
	}

	metrics.WSConnected()
	client.logger.Info("participant connected")

	go client.writePump()
	go client.readPump()
}

// subscribe registers the feeds the role needs: the caller hears the answer
// and the callee's candidates, the callee hears the offer and the caller's
// candidates. Both hear hangups.
func (c *Client) subscribe() error {
	peerRole := c.Role.Peer()

	var openers []func() (*signaling.Subscription, error)
	if c.Role == models.RoleCaller {
		openers = append(openers, func() (*signaling.Subscription, error) {
			return c.store.SubscribeToAnswer(c.ctx, c.SessionID, c.push)
		})
	} else {
		openers = append(openers, func() (*signaling.Subscription, error) {
			return c.store.SubscribeToOffer(c.ctx, c.SessionID, c.push)
		})
	}
	openers = append(openers,
		func() (*signaling.Subscription, error) {
			return c.store.SubscribeToIceCandidates(c.ctx, c.SessionID, peerRole, c.push)
		},
		func() (*signaling.Subscription, error) {
			return c.store.SubscribeToHangup(c.ctx, c.SessionID, c.push)
		},
	)

	for _, open := range openers {
		sub, err := open()
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
	}
	return nil
}

// push forwards a stored signal. Once the client has offered on this
// connection, answers to any other offer are withheld; before that the stored
// answer is replayed so a reconnecting caller can match it by offerSeq.
func (c *Client) push(sig models.Signal) {
	if sig.Kind == models.SignalKindAnswer {
		c.mu.Lock()
		own := c.offerSeq
		c.mu.Unlock()
		if own != 0 && sig.OfferSeq != own {
			c.logger.Debug("withholding answer to another offer", zap.Int64("offer_seq", sig.OfferSeq), zap.Int64("own", own))
			return
		}
	}

	data, err := json.Marshal(sig)
	if err != nil {
		c.logger.Error("marshal signal", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// enqueue hands a frame to the write pump. A client that cannot keep up is
// disconnected rather than silently losing signals; on reconnect its
// subscriptions replay everything stored.
func (c *Client) enqueue(data []byte) {
	select {
	case <-c.ctx.Done():
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, closing connection")
		c.close()
		c.Conn.Close()
	}
}

func (c *Client) sendError(err error) {
	data, _ := json.Marshal(ErrorFrame{Kind: SignalKindError, Error: err.Error()})
	c.enqueue(data)
}

func (c *Client) sendAck(kind models.SignalKind, seq int64) {
	data, _ := json.Marshal(AckFrame{Kind: SignalKindAck, For: kind, Seq: seq})
	c.enqueue(data)
}

// close cancels every subscription and stops the pumps.
func (c *Client) close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	c.cancel()
}

func (c *Client) readPump() {
	defer func() {
		c.close()
		c.Conn.Close()
		metrics.WSDisconnected()

		c.mu.Lock()
		hungUp := c.hungUp
		c.mu.Unlock()
		if !hungUp {
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			defer cancel()
			if _, err := c.store.LeaveCall(ctx, c.SessionID, c.Role); err != nil && !errors.Is(err, signaling.ErrNotFound) {
				c.logger.Warn("leave call on disconnect", zap.Error(err))
			}
		}
		c.logger.Info("participant disconnected")
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read", zap.Error(err))
			}
			return
		}

		var sig models.Signal
		if err := json.Unmarshal(message, &sig); err != nil {
			c.sendError(fmt.Errorf("%w: malformed frame", models.ErrInvalidSignal))
			continue
		}

		if err := c.handle(sig); err != nil {
			c.logger.Debug("inbound signal rejected", zap.String("kind", string(sig.Kind)), zap.Error(err))
			c.sendError(err)
		}
	}
}

// handle writes one inbound frame to the store as the client's role.
func (c *Client) handle(sig models.Signal) error {
	switch sig.Kind {
	case models.SignalKindOffer:
		if c.Role != models.RoleCaller {
			return errWrongRole
		}
		if sig.Description == nil {
			return fmt.Errorf("%w: offer without description", models.ErrInvalidSignal)
		}
		seq, err := c.store.SendOffer(c.ctx, c.SessionID, *sig.Description)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.offerSeq = seq
		c.mu.Unlock()
		c.sendAck(models.SignalKindOffer, seq)
		return nil
	case models.SignalKindAnswer:
		if c.Role != models.RoleCallee {
			return errWrongRole
		}
		if sig.Description == nil {
			return fmt.Errorf("%w: answer without description", models.ErrInvalidSignal)
		}
		return c.store.SendAnswer(c.ctx, c.SessionID, sig.OfferSeq, *sig.Description)
	case models.SignalKindCandidate:
		if err := models.ValidateCandidate(sig.Candidate); err != nil {
			return err
		}
		return c.store.AddIceCandidate(c.ctx, c.SessionID, c.Role, *sig.Candidate)
	case models.SignalKindHangup:
		if err := c.store.EndCall(c.ctx, c.SessionID, c.Role); err != nil {
			return err
		}
		c.mu.Lock()
		c.hungUp = true
		c.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", models.ErrInvalidSignal, sig.Kind)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("websocket write", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
