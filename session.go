// Session coordinator and broadcast router.
//
// Each websocket connection gets a client with a read pump, a write pump,
// and a server-assigned participant. Handlers mutate registry and room state
// under one session lock, run to completion, and collect their outbound
// messages; fan-out happens after the lock is released so a slow socket
// never stalls a room. Messages arriving before the connection is in the
// right state, or referencing state that no longer exists, are dropped
// without a reply.

package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Outbound message tags.
const (
	msgMemberUpdate = "p"
	msgMemberLeft   = "bye"
	msgCount        = "count"
)

type client struct {
	id   string
	conn *websocket.Conn
	send chan any
	done chan struct{}

	// Guarded by server.mu.
	room   *room
	member *member
	buffer *noteBuffer
}

// dispatchSet pairs one outbound message with its recipients, so handlers
// can decide recipient sets under the lock and send after releasing it.
type dispatchSet struct {
	targets []*client
	msg     any
}

type server struct {
	cfg *Config

	mu           sync.Mutex
	clients      map[*client]bool
	participants *participantRegistry
	rooms        *roomRegistry

	now func() time.Time
}

func newServer(cfg *Config) *server {
	return &server{
		cfg:          cfg,
		clients:      make(map[*client]bool),
		participants: newParticipantRegistry(),
		rooms:        newRoomRegistry(),
		now:          time.Now,
	}
}

func (s *server) newClient(conn *websocket.Conn) *client {
	return &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan any, 64),
		done:   make(chan struct{}),
		buffer: newNoteBuffer(s.cfg.noteResetWindow, s.now),
	}
}

// connect assigns a participant to the new connection and replies with its
// identity and the current server time.
func (s *server) connect(c *client) {
	p, err := s.participants.create(c.id)
	if err != nil {
		p = s.participants.get(c.id)
		if p == nil {
			return
		}
	}

	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	s.sendTo(c, helloMessage{
		M:    msgHello,
		User: participantInfo(p),
		Time: s.now().UnixMilli(),
	})

	if s.cfg.noteBatch {
		go s.flushLoop(c)
	}

	logf(s.cfg, "USERS: Connection %s identified", c.id)
}

// participantInfo describes a participant outside any room, where the
// member-local id and the participant id coincide.
func participantInfo(p *participant) memberInfo {
	return memberInfo{
		ID:    p.ID,
		PID:   p.ID,
		Name:  p.Name,
		Color: p.Color,
		X:     p.X,
		Y:     p.Y,
	}
}

// dispatch validates the envelope shape and routes to the handler. Unknown
// tags and missing required fields drop the message.
func (s *server) dispatch(c *client, msg clientMessage) {
	switch msg.M {
	case msgHello:
		s.handleHello(c)
	case msgJoin:
		if msg.ID == "" {
			return
		}
		s.handleJoin(c, msg.ID, decodeSettingsPatch(msg.Set))
	case msgChat:
		if msg.Message == "" {
			return
		}
		s.handleChat(c, msg.Message)
	case msgNote:
		if len(msg.Notes) == 0 {
			return
		}
		s.handleNote(c, msg)
	case msgMove:
		if msg.X == nil || msg.Y == nil {
			return
		}
		s.handleMove(c, *msg.X, *msg.Y)
	case msgTime:
		s.handleTime(c, msg.Echo)
	case msgUserSet:
		patch := decodeUserPatch(msg.Set)
		if patch == nil {
			return
		}
		s.handleUserSet(c, patch)
	}
}

// handleHello re-sends the identity reply. The participant was already
// assigned on connect, so this is idempotent.
func (s *server) handleHello(c *client) {
	p := s.participants.get(c.id)
	if p == nil {
		return
	}

	s.sendTo(c, helloMessage{
		M:    msgHello,
		User: participantInfo(p),
		Time: s.now().UnixMilli(),
	})
}

// handleJoin moves the connection into roomID, leaving any previous room
// first. Re-joining the current room changes nothing but still re-sends the
// acknowledgement.
func (s *server) handleJoin(c *client, roomID string, patch *settingsPatch) {
	s.mu.Lock()

	p := s.participants.get(c.id)
	if p == nil {
		s.mu.Unlock()
		return
	}

	if c.room != nil && c.room.id == roomID {
		reply := roomJoinedMessage{
			M:       msgJoin,
			Room:    c.room.snapshot(),
			ID:      c.member.id,
			Members: c.room.memberList(),
		}
		s.mu.Unlock()
		s.sendTo(c, reply)
		return
	}

	out := s.leaveRoomLocked(c)

	r := s.rooms.getOrCreate(roomID, patch)
	created := r.memberCount() == 0
	m, _ := r.addMember(p, s.now())
	c.room = r
	c.member = m

	reply := roomJoinedMessage{
		M:       msgJoin,
		Room:    r.snapshot(),
		ID:      m.id,
		Members: r.memberList(),
	}

	others := s.roomClientsLocked(r, c)
	out = append(out,
		dispatchSet{others, memberUpdate(m)},
		dispatchSet{append(others, c), memberCountMessage{M: msgCount, Count: r.memberCount()}},
	)

	s.mu.Unlock()

	s.sendTo(c, reply)
	s.flushDispatch(out)

	if created {
		logf(s.cfg, "ROOMS: Created room %q", roomID)
	}
	logf(s.cfg, "ROOMS: %q joined %q", p.Name, roomID)
}

func memberUpdate(m *member) memberUpdateMessage {
	return memberUpdateMessage{
		M:     msgMemberUpdate,
		ID:    m.id,
		PID:   m.p.ID,
		Name:  m.p.Name,
		Color: m.p.Color,
		X:     m.p.X,
		Y:     m.p.Y,
	}
}

// leaveRoomLocked detaches c from its room, clears the crown if held, and
// deletes the room once empty. Returns the departure notices for whoever
// remains. Callers hold s.mu.
func (s *server) leaveRoomLocked(c *client) []dispatchSet {
	r := c.room
	m := c.member
	if r == nil || m == nil {
		return nil
	}

	c.room = nil
	c.member = nil
	c.buffer.reset()

	if !r.removeMember(m.p.ID) {
		return nil
	}

	if r.memberCount() == 0 {
		s.rooms.delete(r.id)
		logf(s.cfg, "ROOMS: Deleted empty room %q", r.id)
		return nil
	}

	remaining := s.roomClientsLocked(r, nil)

	return []dispatchSet{
		{remaining, memberLeftMessage{M: msgMemberLeft, ID: m.id}},
		{remaining, memberCountMessage{M: msgCount, Count: r.memberCount()}},
	}
}

// handleChat relays a sanitized chat message to every member of the room,
// the sender included, so rendering order matches for everyone.
func (s *server) handleChat(c *client, text string) {
	text = sanitizeText(text)
	if text == "" {
		return
	}

	s.mu.Lock()

	if c.room == nil || c.member == nil {
		s.mu.Unlock()
		return
	}

	msg := chatMessage{
		M:      msgChat,
		Text:   text,
		Member: c.member.info(),
		Time:   s.now().UnixMilli(),
	}
	targets := s.roomClientsLocked(c.room, nil)

	s.mu.Unlock()

	s.fanout(targets, msg)
}

// handleNote relays a note batch to the other room members, never back to
// the sender. In immediate mode the client's anchor and offsets pass through
// verbatim; in batched mode events accumulate under server arrival timing
// until the flush ticker fires.
func (s *server) handleNote(c *client, msg clientMessage) {
	s.mu.Lock()

	if c.room == nil || c.member == nil {
		s.mu.Unlock()
		return
	}

	if s.cfg.noteBatch {
		for _, ev := range msg.Notes {
			c.buffer.record(ev)
		}
		s.mu.Unlock()
		return
	}

	relay := noteMessage{
		M:     msgNote,
		Time:  msg.Time,
		Notes: msg.Notes,
		ID:    c.member.id,
	}
	targets := s.roomClientsLocked(c.room, c)

	s.mu.Unlock()

	s.fanout(targets, relay)
}

// flushLoop drives batched note relay for one connection. It runs for the
// connection's lifetime and stops when the done channel closes.
func (s *server) flushLoop(c *client) {
	ticker := time.NewTicker(s.cfg.noteFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			s.flushNotes(c)
		}
	}
}

func (s *server) flushNotes(c *client) {
	s.mu.Lock()

	if c.room == nil || c.member == nil {
		s.mu.Unlock()
		return
	}

	base, events, ok := c.buffer.flush()
	if !ok {
		s.mu.Unlock()
		return
	}

	relay := noteMessage{
		M:     msgNote,
		Time:  base,
		Notes: events,
		ID:    c.member.id,
	}
	targets := s.roomClientsLocked(c.room, c)

	s.mu.Unlock()

	s.fanout(targets, relay)
}

// handleMove updates the participant's cursor position and relays it to the
// other room members.
func (s *server) handleMove(c *client, x, y float64) {
	s.mu.Lock()

	if c.room == nil || c.member == nil {
		s.mu.Unlock()
		return
	}

	c.member.p.X = x
	c.member.p.Y = y

	msg := moveMessage{
		M:  msgMove,
		ID: c.member.id,
		X:  x,
		Y:  y,
	}
	targets := s.roomClientsLocked(c.room, c)

	s.mu.Unlock()

	s.fanout(targets, msg)
}

// handleTime answers a round-trip probe with the server receive time, so the
// client can estimate its one-way clock offset. Allowed in any state.
func (s *server) handleTime(c *client, echo int64) {
	s.sendTo(c, timeMessage{
		M:    msgTime,
		Time: s.now().UnixMilli(),
		Echo: echo,
	})
}

// handleUserSet applies a display name or color change and broadcasts the
// updated profile to the whole room, the sender included.
func (s *server) handleUserSet(c *client, patch *userPatch) {
	s.mu.Lock()

	if c.room == nil || c.member == nil {
		s.mu.Unlock()
		return
	}

	p := c.member.p

	if patch.Name != nil {
		if name := sanitizeText(*patch.Name); name != "" {
			p.Name = name
		}
	}
	if patch.Color != nil && validColor(*patch.Color) {
		p.Color = *patch.Color
	}

	msg := memberUpdate(c.member)
	targets := s.roomClientsLocked(c.room, nil)

	s.mu.Unlock()

	s.fanout(targets, msg)
}

// disconnect tears the connection down from any state: leave the room,
// notify whoever remains, then discard the participant record. Idempotent,
// so a teardown racing a late read error stays harmless.
func (s *server) disconnect(c *client) {
	s.mu.Lock()

	if !s.clients[c] {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	close(c.done)

	out := s.leaveRoomLocked(c)
	s.participants.remove(c.id)

	s.mu.Unlock()

	s.flushDispatch(out)

	logf(s.cfg, "USERS: Connection %s disconnected", c.id)
}

// roomClientsLocked returns the clients currently in r, minus except when
// non-nil. Callers hold s.mu; the returned slice is safe to use after the
// lock is released.
func (s *server) roomClientsLocked(r *room, except *client) []*client {
	targets := make([]*client, 0, r.memberCount())
	for cl := range s.clients {
		if cl.room == r && cl != except {
			targets = append(targets, cl)
		}
	}

	return targets
}

func (s *server) flushDispatch(out []dispatchSet) {
	for _, d := range out {
		s.fanout(d.targets, d.msg)
	}
}

func (s *server) fanout(targets []*client, msg any) {
	for _, cl := range targets {
		s.sendTo(cl, msg)
	}
}

// sendTo queues msg without blocking. A connection whose send buffer is full
// is closed; its read pump then runs the normal disconnect path.
func (s *server) sendTo(c *client, msg any) {
	select {
	case c.send <- msg:
	default:
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWS upgrades the connection and runs the session until the socket
// drops. The transport owns liveness; this layer only reacts to read errors.
func serveWS(cfg *Config, s *server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "ERROR: Failed websocket upgrade for %s: %v", realIP(r), err)
			return
		}

		c := s.newClient(conn)
		s.connect(c)

		go c.writePump()
		c.readPump(s)
	}
}

func (c *client) readPump(s *server) {
	defer func() {
		s.disconnect(c)
		_ = c.conn.Close()
	}()

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		s.dispatch(c, msg)
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
