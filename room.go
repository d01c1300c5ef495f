// Room state: settings, ordered membership, and the crown token.
//
// Rooms are created lazily on first join and deleted the moment their
// membership reaches zero. Membership and crown mutation happen only through
// the methods below, serialized by the session coordinator; the registry
// guards its own map so lookups are safe from any goroutine.

package main

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// roomSettings are fixed at creation; later joins supply patches that are
// silently ignored (first-creator wins).
type roomSettings struct {
	Visible   bool `json:"visible"`
	Chat      bool `json:"chat"`
	Crownsolo bool `json:"crownsolo"`
}

func defaultSettings() roomSettings {
	return roomSettings{
		Visible:   true,
		Chat:      true,
		Crownsolo: false,
	}
}

func (s roomSettings) apply(patch *settingsPatch) roomSettings {
	if patch == nil {
		return s
	}

	if patch.Visible != nil {
		s.Visible = *patch.Visible
	}
	if patch.Chat != nil {
		s.Chat = *patch.Chat
	}
	if patch.Crownsolo != nil {
		s.Crownsolo = *patch.Crownsolo
	}

	return s
}

// crown is the single-owner token. It always references a current member;
// when the holder leaves it is cleared, never handed to someone else.
type crown struct {
	memberID      string
	participantID string
	acquired      time.Time
}

// member ties a participant to a room under a member-local id, which is how
// the other members address it in broadcasts.
type member struct {
	id string
	p  *participant
}

func (m *member) info() memberInfo {
	return memberInfo{
		ID:    m.id,
		PID:   m.p.ID,
		Name:  m.p.Name,
		Color: m.p.Color,
		X:     m.p.X,
		Y:     m.p.Y,
	}
}

type room struct {
	id       string
	settings roomSettings
	members  []*member
	crown    *crown
}

// addMember appends p in join order, crowning it if the room was empty.
// Re-adding a current member is a no-op that returns the existing record.
func (r *room) addMember(p *participant, now time.Time) (*member, bool) {
	if m := r.findMember(p.ID); m != nil {
		return m, false
	}

	m := &member{
		id: uuid.NewString(),
		p:  p,
	}
	r.members = append(r.members, m)

	if len(r.members) == 1 {
		r.crown = &crown{
			memberID:      m.id,
			participantID: p.ID,
			acquired:      now,
		}
	}

	return m, true
}

// removeMember drops the member for participantID, clearing the crown if it
// was the holder. Reports whether anything changed.
func (r *room) removeMember(participantID string) bool {
	dst := r.members[:0]
	changed := false

	for _, m := range r.members {
		if m.p.ID == participantID {
			changed = true
			continue
		}
		dst = append(dst, m)
	}
	r.members = dst

	if changed && r.crown != nil && r.crown.participantID == participantID {
		r.crown = nil
	}

	return changed
}

func (r *room) findMember(participantID string) *member {
	for _, m := range r.members {
		if m.p.ID == participantID {
			return m
		}
	}

	return nil
}

func (r *room) memberCount() int {
	return len(r.members)
}

func (r *room) isOwner(p *participant) bool {
	return p != nil && r.crown != nil && r.crown.participantID == p.ID
}

// preventsPlaying reports whether room settings ask clients to gate note
// input for p. This is advisory: the server still relays notes regardless,
// which is a documented trust boundary of the protocol.
func (r *room) preventsPlaying(p *participant) bool {
	return r.settings.Crownsolo && !r.isOwner(p)
}

func (r *room) memberList() []memberInfo {
	list := make([]memberInfo, 0, len(r.members))
	for _, m := range r.members {
		list = append(list, m.info())
	}

	return list
}

func (r *room) snapshot() roomInfo {
	info := roomInfo{
		ID:       r.id,
		Settings: r.settings,
		Count:    len(r.members),
	}

	if r.crown != nil {
		info.Crown = &crownInfo{
			ParticipantID: r.crown.participantID,
			Time:          r.crown.acquired.UnixMilli(),
		}
	}

	return info
}

type roomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

func newRoomRegistry() *roomRegistry {
	return &roomRegistry{
		rooms: make(map[string]*room),
	}
}

// getOrCreate returns the room for id, creating it with defaults overridden
// by patch when unseen. An existing room keeps its original settings.
func (rr *roomRegistry) getOrCreate(id string, patch *settingsPatch) *room {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if r, ok := rr.rooms[id]; ok {
		return r
	}

	r := &room{
		id:       id,
		settings: defaultSettings().apply(patch),
	}
	rr.rooms[id] = r

	return r
}

func (rr *roomRegistry) get(id string) *room {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	return rr.rooms[id]
}

// delete is only called once a room's membership has reached zero.
func (rr *roomRegistry) delete(id string) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	delete(rr.rooms, id)
}

func (rr *roomRegistry) count() int {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	return len(rr.rooms)
}
