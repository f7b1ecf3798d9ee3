package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joshuadlima/ChatterBox/internal/matching"
	"github.com/joshuadlima/ChatterBox/internal/messaging"
	"github.com/joshuadlima/ChatterBox/internal/metrics"
	"github.com/joshuadlima/ChatterBox/internal/protocol"
	"github.com/joshuadlima/ChatterBox/internal/ratelimit"
	"github.com/joshuadlima/ChatterBox/internal/room"
)

// storeTimeout bounds every store round trip so a hung backend surfaces as
// an error instead of blocking the session's task indefinitely.
const storeTimeout = 3 * time.Second

// Handler drives the state machine for every live session. It is shared by
// all connections; per-connection state lives in the Session it hands out at
// connect time.
type Handler struct {
	engine  *matching.Engine
	relay   *room.Relay
	bus     *messaging.Client
	limiter *ratelimit.Limiter // nil disables rate limiting

	mu       sync.RWMutex
	sessions map[string]*Session // user_id -> session
}

// NewHandler creates a Handler over the matching engine, room relay, and
// pub/sub fabric.
func NewHandler(engine *matching.Engine, relay *room.Relay, bus *messaging.Client, limiter *ratelimit.Limiter) *Handler {
	return &Handler{
		engine:   engine,
		relay:    relay,
		bus:      bus,
		limiter:  limiter,
		sessions: make(map[string]*Session),
	}
}

// Connect creates the session for a new connection, wires up its direct
// pub/sub subject, and sends the connection_established envelope.
func (h *Handler) Connect(userID string, conn Writer) (*Session, error) {
	s := &Session{
		UserID:  userID,
		Channel: uuid.New().String(),
		conn:    conn,
	}

	if err := h.bus.SubscribeDirect(s.Channel, func(data []byte) {
		h.onDirect(s, data)
	}); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.sessions[userID] = s
	h.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	h.reply(s, protocol.TypeConnectionEstablished, "Connection established successfully", nil)

	log.Printf("[session] connected user=%s channel=%s", userID, s.Channel)
	return s, nil
}

// Disconnect unwinds all state a session touched: waiting pools, profile,
// pairing, room membership, and the direct subscription. Failures are logged
// but never prevent teardown, and calling it for an unknown user is a no-op.
func (h *Handler) Disconnect(userID string) {
	h.mu.Lock()
	s, ok := h.sessions[userID]
	if ok {
		delete(h.sessions, userID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	partnerID, err := h.engine.CleanUp(ctx, userID)
	if err != nil {
		log.Printf("[session] cleanup failed user=%s: %v", userID, err)
	}

	if partnerID != "" {
		h.notifyPartnerLeft(ctx, partnerID)
		metrics.ActiveRooms.Dec()
	}

	if s.clearRoom() {
		h.relay.Leave(s.Channel)
	}
	if err := h.bus.UnsubscribeDirect(s.Channel); err != nil {
		log.Printf("[session] unsubscribe failed user=%s: %v", userID, err)
	}

	metrics.ConnectionsTotal.Dec()
	log.Printf("[session] disconnected user=%s partner=%q", userID, partnerID)
}

// lookup returns the session for a user id, or nil if it is already gone
// (e.g. a message racing a disconnect).
func (h *Handler) lookup(userID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[userID]
}

// ---------------------------------------------------------------------------
// Inbound envelope handlers, one per transition of the state machine
// ---------------------------------------------------------------------------

// SubmitInterests handles submit_interests: overwrite the profile and enter
// the waiting pools of the submitted interest set. A user who resubmits while
// paired implicitly ends the chat; the partner is notified exactly as if
// end_chat had been sent.
func (h *Handler) SubmitInterests(userID string, env *protocol.Envelope) {
	s := h.lookup(userID)
	if s == nil {
		return
	}

	var data protocol.SubmitInterestsData
	if err := env.DecodeData(&data); err != nil {
		h.replyError(s, "parse_error", "Invalid submit_interests payload")
		return
	}

	interests, err := matching.NormalizeInterests(data.Interests)
	if err != nil {
		h.replyError(s, "invalid_interests", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	partnerID, err := h.engine.SetProfile(ctx, userID, s.Channel, interests)
	if err != nil {
		log.Printf("[session] set profile failed user=%s: %v", userID, err)
		h.replyError(s, "backend_error", "Could not save interests, please try again")
		return
	}

	if partnerID != "" {
		h.notifyPartnerLeft(ctx, partnerID)
		metrics.ActiveRooms.Dec()
	}
	if s.clearRoom() {
		h.relay.Leave(s.Channel)
	}

	h.reply(s, protocol.TypeSuccess, "Interests received, you can start matching.", nil)
}

// StartMatching handles start_matching: run the atomic find_match
// transaction and, on success, create the room and notify both sides.
func (h *Handler) StartMatching(userID string, env *protocol.Envelope) {
	s := h.lookup(userID)
	if s == nil {
		return
	}

	if !h.allow(userID, ratelimit.RuleMatch) {
		h.replyError(s, "rate_limited", "Too many match attempts, slow down")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	start := time.Now()
	partnerID, err := h.engine.FindMatch(ctx, userID, s.Channel)
	metrics.MatchLatency.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, matching.ErrNoProfile):
		metrics.MatchAttemptsTotal.WithLabelValues("error").Inc()
		h.replyError(s, "no_profile", "Submit interests before matching")
		return
	case err != nil:
		log.Printf("[session] find match failed user=%s: %v", userID, err)
		metrics.MatchAttemptsTotal.WithLabelValues("error").Inc()
		h.replyError(s, "backend_error", "Matching failed, please try again")
		return
	case partnerID == "":
		metrics.MatchAttemptsTotal.WithLabelValues("no_match").Inc()
		h.reply(s, protocol.TypeNoMatch, "No match found, still searching", nil)
		return
	}

	partnerChannel, err := h.engine.Channel(ctx, partnerID)
	if err != nil || partnerChannel == "" {
		// The claimed partner vanished between the atomic claim and the
		// channel lookup; unwind the pairing and keep searching.
		log.Printf("[session] partner %s unreachable for user=%s: %v", partnerID, userID, err)
		if _, endErr := h.engine.EndChat(ctx, userID); endErr != nil {
			log.Printf("[session] unwind pairing failed user=%s: %v", userID, endErr)
		}
		metrics.MatchAttemptsTotal.WithLabelValues("no_match").Inc()
		h.reply(s, protocol.TypeNoMatch, "No match found, still searching", nil)
		return
	}

	roomID := room.NewRoomID()
	s.setRoom(roomID, protocol.RoleCaller)
	if err := h.relay.Join(roomID, s.Channel, func(ev room.Event) {
		h.onRoomEvent(s, ev)
	}); err != nil {
		log.Printf("[session] room join failed user=%s room=%s: %v", userID, roomID, err)
	}

	// Both members must be in the room before the initiator hears about the
	// match, or a chat_message sent right after success_matched could land on
	// a group the partner has not joined yet. The partner's session lives in
	// this process, so join it here; the control event below only tells the
	// partner's client.
	if ps := h.lookup(partnerID); ps != nil {
		ps.setRoom(roomID, protocol.RoleCallee)
		if err := h.relay.Join(roomID, ps.Channel, func(ev room.Event) {
			h.onRoomEvent(ps, ev)
		}); err != nil {
			log.Printf("[session] room join failed user=%s room=%s: %v", partnerID, roomID, err)
		}
	}

	if err := h.bus.SendDirect(partnerChannel, controlEvent{
		Type:      ctrlMatchFound,
		PartnerID: userID,
		RoomID:    roomID,
		Role:      protocol.RoleCallee,
	}.encode()); err != nil {
		log.Printf("[session] match notify failed user=%s partner=%s: %v", userID, partnerID, err)
	}

	metrics.MatchAttemptsTotal.WithLabelValues("matched").Inc()
	metrics.ActiveRooms.Inc()

	h.reply(s, protocol.TypeSuccess, "Match found and partner details saved",
		protocol.PartnerData{PartnerID: partnerID})
	h.reply(s, protocol.TypeSuccessMatched, "You have been placed in a room",
		protocol.MatchedData{RoomID: roomID, Role: protocol.RoleCaller})

	log.Printf("[session] matched user=%s partner=%s room=%s", userID, partnerID, roomID)
}

// EndMatching handles end_matching: leave all waiting pools but keep the
// profile so matching can resume without resubmitting interests.
func (h *Handler) EndMatching(userID string, env *protocol.Envelope) {
	s := h.lookup(userID)
	if s == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.engine.StopMatching(ctx, userID); err != nil {
		log.Printf("[session] stop matching failed user=%s: %v", userID, err)
		h.replyError(s, "backend_error", "Operation failed, please try again")
		return
	}

	h.reply(s, protocol.TypeSuccess, "You have stopped looking for a match.", nil)
}

// ChatMessage handles chat_message: validate and relay the text to the room.
func (h *Handler) ChatMessage(userID string, env *protocol.Envelope) {
	s := h.lookup(userID)
	if s == nil {
		return
	}

	roomID, _ := s.Room()
	if roomID == "" {
		h.replyError(s, "not_in_room", "You are not in a chat room")
		return
	}

	var data protocol.ChatMessageData
	if err := env.DecodeData(&data); err != nil {
		h.replyError(s, "parse_error", "Invalid chat_message payload")
		return
	}
	if err := room.ValidateMessage(data.Message); err != nil {
		h.replyError(s, "invalid_message", err.Error())
		return
	}

	if !h.allow(userID, ratelimit.RuleMessage) {
		h.replyError(s, "rate_limited", "Too many messages, slow down")
		return
	}

	if err := h.relay.SendChat(roomID, userID, data.Message); err != nil {
		log.Printf("[session] chat relay failed user=%s room=%s: %v", userID, roomID, err)
		h.replyError(s, "backend_error", "Message could not be delivered")
		return
	}
	metrics.RelayedMessagesTotal.WithLabelValues(room.EventChatMessage).Inc()
}

// WebRTCSignal handles webrtc_signal: relay the opaque signaling payload to
// the room without interpreting it.
func (h *Handler) WebRTCSignal(userID string, env *protocol.Envelope) {
	s := h.lookup(userID)
	if s == nil {
		return
	}

	roomID, _ := s.Room()
	if roomID == "" {
		h.replyError(s, "not_in_room", "You are not in a chat room")
		return
	}
	if len(env.Data) == 0 {
		h.replyError(s, "parse_error", "Missing signaling payload")
		return
	}

	if !h.allow(userID, ratelimit.RuleMessage) {
		h.replyError(s, "rate_limited", "Too many messages, slow down")
		return
	}

	if err := h.relay.SendSignal(roomID, userID, env.Data); err != nil {
		log.Printf("[session] signal relay failed user=%s room=%s: %v", userID, roomID, err)
		h.replyError(s, "backend_error", "Signal could not be delivered")
		return
	}
	metrics.RelayedMessagesTotal.WithLabelValues(room.EventSignal).Inc()
}

// EndChat handles end_chat: clear the pairing, notify the partner
// point-to-point, and leave the room.
func (h *Handler) EndChat(userID string, env *protocol.Envelope) {
	s := h.lookup(userID)
	if s == nil {
		return
	}

	roomID, _ := s.Room()
	if roomID == "" {
		h.replyError(s, "not_in_room", "You are not in a chat room")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	partnerID, err := h.engine.EndChat(ctx, userID)
	if err != nil {
		log.Printf("[session] end chat failed user=%s: %v", userID, err)
		h.replyError(s, "backend_error", "Please try ending the chat again")
		return
	}

	if partnerID != "" {
		h.notifyPartnerLeft(ctx, partnerID)
		metrics.ActiveRooms.Dec()
	}

	if s.clearRoom() {
		h.relay.Leave(s.Channel)
	}

	h.reply(s, protocol.TypeSuccess, "You have ended the chat", nil)
}

// ---------------------------------------------------------------------------
// Pub/sub fan-in
// ---------------------------------------------------------------------------

// onDirect processes a point-to-point control event from another session.
func (h *Handler) onDirect(s *Session, data []byte) {
	ev, err := decodeControl(data)
	if err != nil {
		log.Printf("[session] malformed control event user=%s: %v", s.UserID, err)
		return
	}

	switch ev.Type {
	case ctrlMatchFound:
		// The initiator's session normally joins this side to the room before
		// publishing the event; join here only if that did not happen.
		if roomID, _ := s.Room(); roomID != ev.RoomID {
			s.setRoom(ev.RoomID, ev.Role)
			if err := h.relay.Join(ev.RoomID, s.Channel, func(rev room.Event) {
				h.onRoomEvent(s, rev)
			}); err != nil {
				log.Printf("[session] room join failed user=%s room=%s: %v", s.UserID, ev.RoomID, err)
			}
		}

		h.reply(s, protocol.TypeSuccess, "Match found and partner details saved",
			protocol.PartnerData{PartnerID: ev.PartnerID})
		h.reply(s, protocol.TypeSuccessMatched, "You have been placed in a room",
			protocol.MatchedData{RoomID: ev.RoomID, Role: ev.Role})

	case ctrlPartnerLeft:
		if s.clearRoom() {
			h.relay.Leave(s.Channel)
			h.reply(s, protocol.TypePartnerLeftChat, "Your partner has ended the chat", nil)
		}

	default:
		log.Printf("[session] unknown control event %q for user=%s", ev.Type, s.UserID)
	}
}

// onRoomEvent processes a broadcast room event. The sender's own copy is
// discarded here, at the receiving end.
func (h *Handler) onRoomEvent(s *Session, ev room.Event) {
	if ev.SenderID == s.UserID {
		return
	}

	switch ev.Type {
	case room.EventChatMessage:
		h.reply(s, protocol.TypeChatMessage, "Message from your partner",
			protocol.ChatMessageData{Message: ev.Message})

	case room.EventSignal:
		data, err := protocol.NewRawMessage(protocol.TypeWebRTCSignal, "Signaling payload from partner", ev.Signal)
		if err != nil {
			log.Printf("[session] build signal envelope failed user=%s: %v", s.UserID, err)
			return
		}
		if err := s.conn.WriteMessage(data); err != nil {
			log.Printf("[session] deliver signal failed user=%s: %v", s.UserID, err)
		}

	default:
		log.Printf("[session] unknown room event %q for user=%s", ev.Type, s.UserID)
	}
}

// notifyPartnerLeft sends the point-to-point partner_left control event to
// the given user's channel, if it still resolves.
func (h *Handler) notifyPartnerLeft(ctx context.Context, partnerID string) {
	partnerChannel, err := h.engine.Channel(ctx, partnerID)
	if err != nil || partnerChannel == "" {
		log.Printf("[session] partner channel lookup failed for %s: %v", partnerID, err)
		return
	}
	if err := h.bus.SendDirect(partnerChannel, controlEvent{Type: ctrlPartnerLeft}.encode()); err != nil {
		log.Printf("[session] partner_left notify failed for %s: %v", partnerID, err)
	}
}

// ---------------------------------------------------------------------------
// Outbound helpers
// ---------------------------------------------------------------------------

func (h *Handler) reply(s *Session, msgType, description string, data interface{}) {
	out, err := protocol.NewMessage(msgType, description, data)
	if err != nil {
		log.Printf("[session] build %s envelope failed user=%s: %v", msgType, s.UserID, err)
		return
	}
	if err := s.conn.WriteMessage(out); err != nil {
		log.Printf("[session] send %s failed user=%s: %v", msgType, s.UserID, err)
	}
}

func (h *Handler) replyError(s *Session, code, description string) {
	metrics.ErrorsTotal.WithLabelValues(code).Inc()
	h.reply(s, protocol.TypeError, description, protocol.ErrorData{Code: code})
}

// allow applies a rate limit rule, failing open when no limiter is
// configured.
func (h *Handler) allow(userID string, rule ratelimit.Rule) bool {
	if h.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	ok, _ := h.limiter.Allow(ctx, userID, rule)
	return ok
}
