package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/inkdeck/inkdeck/backend/go/internal/v1/document"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/logging"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/metrics"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/protocol"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/store"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/types"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// recordLeaveTimeout bounds the background retry of a participant close.
const recordLeaveTimeout = 5 * time.Second

// Session is one client's connection to the hub. It implements
// types.ClientInterface.
//
// A session starts in Pending and becomes Active only through a valid
// connect frame. The read pump is the sole driver of the state machine;
// other goroutines influence it only through CloseWithReason, which closes
// the outbound queue and lets both pumps wind down on their own.
type Session struct {
	conn wsConnection
	hub  *Hub

	clientID types.ClientIDType

	// Identity fields are written once during the handshake and read by
	// room owners afterwards.
	mu       sync.RWMutex
	user     types.UserInfo
	roomID   types.RoomIDType
	role     types.RoleType
	joinedAt time.Time

	state atomic.Int32

	closed      bool   // guarded by mu; set once teardown begins
	closeReason string // guarded by mu

	// joinRecorded is touched only by the read pump and its deferred
	// teardown, so the participant row is closed even when admission
	// failed halfway.
	joinRecorded bool

	send       chan []byte
	writerDone chan struct{}
}

// --- types.ClientInterface ---

func (s *Session) GetID() types.ClientIDType {
	return s.clientID
}

func (s *Session) GetUser() types.UserInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Session) GetRole() types.RoleType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *Session) GetJoinedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joinedAt
}

// State reports the current lifecycle state.
func (s *Session) State() types.SessionState {
	return types.SessionState(s.state.Load())
}

func (s *Session) setState(st types.SessionState) {
	s.state.Store(int32(st))
}

// TrySend enqueues an encoded frame without blocking. It reports false when
// the outbound queue is full or the session is already closing.
func (s *Session) TrySend(frame []byte) bool {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false
	}
	s.mu.RUnlock()

	// The queue can be closed between the check and the send; recover
	// instead of taking the whole broadcast down.
	defer func() {
		_ = recover()
	}()

	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// CloseWithReason schedules teardown of the session. Safe to call from any
// goroutine and more than once; only the first reason wins.
func (s *Session) CloseWithReason(reason string) {
	if s.begin(reason) {
		metrics.ForcedCloses.WithLabelValues(reason).Inc()
	}
}

// begin marks the session as closing and closes the outbound queue, which
// makes the write pump drain whatever is buffered and then say goodbye.
// Reports whether this call was the one that started the close.
func (s *Session) begin(reason string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.closeReason = reason
	s.mu.Unlock()

	if s.State() == types.StateActive || s.State() == types.StatePending {
		s.setState(types.StateClosing)
	}
	close(s.send)
	return true
}

func (s *Session) reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closeReason
}

// --- pumps ---

// readPump drives the session state machine from inbound frames. It owns
// the teardown path: whenever it returns, the session detaches, announces
// its departure and closes the participant record exactly once.
func (s *Session) readPump() {
	defer s.teardown()

	// One byte of slack so an oversize frame reaches the codec, which
	// reports it back before the session closes.
	s.conn.SetReadLimit(s.hub.cfg.MaxFrameBytes + 1)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.IdleTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.IdleTimeout))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.IdleTimeout))
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if !s.handleFrame(data) {
			return
		}
	}
}

// writePump drains the outbound queue to the socket in FIFO order and keeps
// the connection alive with periodic pings. Once the queue is closed it
// flushes the remainder, writes the close frame carrying the session's close
// reason and shuts the socket.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.hub.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case frame, ok := <-s.send:
			if !ok {
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteDeadline))
				_ = s.conn.WriteMessage(websocket.CloseMessage, closeFrame(s.reason()))
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteDeadline))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					s.CloseWithReason(types.CloseReasonOverflow)
				} else {
					s.begin("")
				}
				logging.Debug(context.Background(), "Session write failed",
					zap.String("client_id", string(s.clientID)),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.begin("")
				return
			}
		}
	}
}

// closeFrame maps a close reason onto a WebSocket close code.
func closeFrame(reason string) []byte {
	code := websocket.CloseNormalClosure
	switch reason {
	case types.CloseReasonOverflow, types.CloseReasonFlood:
		code = websocket.ClosePolicyViolation
	case types.CloseReasonInternal:
		code = websocket.CloseInternalServerErr
	case types.CloseReasonShutdown:
		code = websocket.CloseGoingAway
	}
	return websocket.FormatCloseMessage(code, reason)
}

// --- state machine ---

// handleFrame processes one decoded inbound frame. Reports false when the
// read pump should stop and tear the session down.
func (s *Session) handleFrame(data []byte) bool {
	frame, err := s.hub.codec.Decode(data)
	if err != nil {
		return s.handleDecodeError(err)
	}
	metrics.Frames.WithLabelValues("in", frame.Type()).Inc()

	if s.State() == types.StatePending {
		connect, ok := frame.(protocol.Connect)
		if !ok {
			s.sendError(protocol.CodeNotConnected, "connect must be the first frame")
			s.begin("")
			return false
		}
		return s.handshake(connect)
	}

	switch f := frame.(type) {
	case protocol.Connect:
		// One connect per session; repeats are reported and ignored.
		s.sendError(protocol.CodeAlreadyConnected, "session is already connected")
		return true
	case protocol.Update:
		return s.handleUpdate(f)
	case protocol.Presence:
		f.ClientID = s.clientID
		s.hub.cache.SubmitPresence(s.roomID, s.clientID, protocol.MustEncode(f))
		return true
	case protocol.Chat:
		f.ClientID = s.clientID
		s.hub.cache.SubmitChat(s.roomID, s.clientID, protocol.MustEncode(f))
		return true
	case protocol.Heartbeat:
		metrics.Frames.WithLabelValues("out", protocol.TypeHeartbeat).Inc()
		s.TrySend(protocol.MustEncode(f))
		return true
	case protocol.Leave:
		return false
	default:
		s.sendError(protocol.CodeInvalidMessage,
			fmt.Sprintf("frame type %q is not accepted from clients", frame.Type()))
		return true
	}
}

// handleDecodeError reports a refused frame back to the sender. Oversize
// frames always end the session; anything else is fatal only while the
// session has not completed its handshake.
func (s *Session) handleDecodeError(err error) bool {
	var perr *protocol.ProtocolError
	if !errors.As(err, &perr) {
		s.sendError(protocol.CodeInternal, "unreadable frame")
		s.begin("")
		return false
	}
	s.sendError(perr.Code, perr.Message)
	if perr.Fatal || s.State() == types.StatePending {
		s.begin("")
		return false
	}
	return true
}

// handshake runs the Pending half of admission: validate the token, ensure
// the room exists, record attendance and hand the session to the room owner,
// which syncs, attaches and announces it in one step.
func (s *Session) handshake(f protocol.Connect) bool {
	ctx := context.WithValue(context.Background(), logging.ClientIDKey, string(s.clientID))
	ctx = context.WithValue(ctx, logging.RoomIDKey, string(f.RoomID))
	ctx = context.WithValue(ctx, logging.UserIDKey, string(f.User.ID))
	start := time.Now()

	claims, err := s.hub.validator.ValidateToken(ctx, f.Token)
	if err != nil {
		logging.Warn(ctx, "Rejecting connect with invalid token", zap.Error(err))
		s.sendError(protocol.CodeUnauthorized, "token rejected")
		s.begin("")
		return false
	}

	if err := s.hub.findOrCreateRoom(ctx, f.RoomID, f.User.ID); err != nil {
		logging.Error(ctx, "Room lookup failed during handshake", zap.Error(err))
		s.sendError(protocol.CodeInternal, "room unavailable")
		s.begin("")
		return false
	}

	now := time.Now().UTC()
	if err := s.hub.repo.TouchRoom(ctx, f.RoomID, now); err != nil {
		// Activity stamps are advisory; retry off the handshake path.
		logging.Warn(ctx, "Touch failed, retrying in background", zap.Error(err))
		s.hub.background(func() {
			retryCtx, cancel := context.WithTimeout(context.Background(), recordLeaveTimeout)
			defer cancel()
			_ = store.Retry(retryCtx, func() error {
				return s.hub.repo.TouchRoom(retryCtx, f.RoomID, now)
			})
		})
	}

	if _, err := s.hub.repo.RecordJoin(ctx, f.RoomID, f.User, s.clientID, types.RoleTypeEditor); err != nil {
		logging.Error(ctx, "Failed to record join", zap.Error(err))
		s.sendError(protocol.CodeInternal, "could not record join")
		s.begin("")
		return false
	}
	s.joinRecorded = true

	s.mu.Lock()
	s.user = f.User
	s.roomID = f.RoomID
	s.role = types.RoleTypeEditor
	s.joinedAt = now
	s.mu.Unlock()

	if err := s.hub.cache.Admit(ctx, f.RoomID, s); err != nil {
		logging.Error(ctx, "Admission failed", zap.Error(err))
		s.sendError(protocol.CodeInternal, "room admission failed")
		s.begin("")
		return false
	}

	s.setState(types.StateActive)
	metrics.ConnectDuration.Observe(time.Since(start).Seconds())
	logging.Info(ctx, "Session joined room",
		zap.String("user_name", f.User.Name),
		zap.String("subject", claims.Subject))
	return true
}

// handleUpdate forwards a document delta to the room owner. A full apply
// queue is the flood signal; a missing document means the room died under
// the session.
func (s *Session) handleUpdate(f protocol.Update) bool {
	raw, err := protocol.DecodeDelta(f.Delta)
	if err != nil {
		var perr *protocol.ProtocolError
		if errors.As(err, &perr) {
			s.sendError(perr.Code, perr.Message)
		} else {
			s.sendError(protocol.CodeInvalidMessage, "undecodable delta")
		}
		return true
	}

	switch err := s.hub.cache.SubmitUpdate(s.roomID, s.clientID, raw); {
	case err == nil:
		return true
	case errors.Is(err, document.ErrFlooded):
		s.sendError(protocol.CodeFlood, "update rate exceeds the room's apply queue")
		s.CloseWithReason(types.CloseReasonFlood)
		return false
	default:
		s.sendError(protocol.CodeInternal, "document unavailable")
		s.CloseWithReason(types.CloseReasonInternal)
		return false
	}
}

// sendError enqueues an error frame for the sender only.
func (s *Session) sendError(code, message string) {
	metrics.Frames.WithLabelValues("out", protocol.TypeError).Inc()
	s.TrySend(protocol.MustEncode(protocol.ErrorFrame{Code: code, Message: message}))
}

// teardown runs the Closing transition exactly once: detach from the
// registry, announce the departure to the room, close the participant
// record and release the socket. Runs on the read pump's goroutine.
func (s *Session) teardown() {
	s.begin("")
	s.setState(types.StateClosing)

	if roomID, ok := s.hub.registry.Detach(s.clientID); ok {
		s.hub.cache.Depart(roomID, s.clientID, s.GetUser())
	}

	if s.joinRecorded {
		clientID := s.clientID
		s.hub.background(func() {
			ctx, cancel := context.WithTimeout(context.Background(), recordLeaveTimeout)
			defer cancel()
			if err := store.Retry(ctx, func() error {
				return s.hub.repo.RecordLeave(ctx, clientID, time.Now().UTC())
			}); err != nil {
				logging.Warn(ctx, "Failed to close participant record",
					zap.String("client_id", string(clientID)),
					zap.Error(err))
			}
		})
	}

	// Let the writer flush queued frames and the close frame before the
	// socket goes away for good.
	select {
	case <-s.writerDone:
	case <-time.After(s.hub.cfg.WriteDeadline):
	}
	_ = s.conn.Close()

	metrics.DecConnection()
	s.setState(types.StateClosed)
	logging.Debug(context.Background(), "Session closed",
		zap.String("client_id", string(s.clientID)),
		zap.String("reason", s.reason()))
}
