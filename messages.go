// Wire protocol for the piano session websocket.
//
// Every frame is a JSON object whose "m" field tags the variant. Inbound
// frames decode into clientMessage, with per-handler validation of required
// fields; anything malformed is dropped without a reply. Outbound frames are
// typed per message so the closed set of shapes is visible in one place.

package main

import (
	"encoding/json"
)

// Inbound message tags.
const (
	msgHello   = "hi"      // identity handshake (reply is idempotent)
	msgJoin    = "ch"      // join or create a room
	msgChat    = "a"       // chat message
	msgNote    = "n"       // note on/off batch
	msgMove    = "m"       // cursor position
	msgTime    = "t"       // round-trip time probe
	msgUserSet = "userset" // display name / color update
)

// noteEvent is one key-down or key-up inside a note batch. Offset is
// milliseconds relative to the batch anchor timestamp.
type noteEvent struct {
	Note     string  `json:"n"`
	Velocity float64 `json:"v,omitempty"`
	Stop     bool    `json:"s,omitempty"`
	Offset   int64   `json:"d,omitempty"`
}

// clientMessage is the inbound envelope. The "set" payload differs between
// the join and userset variants, so it stays raw until the handler decodes it.
type clientMessage struct {
	M string `json:"m"`

	// ch
	ID  string          `json:"_id,omitempty"`
	Set json.RawMessage `json:"set,omitempty"`

	// a
	Message string `json:"message,omitempty"`

	// n
	Time  int64       `json:"t,omitempty"`
	Notes []noteEvent `json:"n,omitempty"`

	// m
	X *float64 `json:"x,omitempty"`
	Y *float64 `json:"y,omitempty"`

	// t
	Echo int64 `json:"e,omitempty"`
}

// settingsPatch carries caller-supplied room settings on first join. Nil
// fields fall back to the defaults; the whole patch is ignored when the room
// already exists.
type settingsPatch struct {
	Visible   *bool `json:"visible,omitempty"`
	Chat      *bool `json:"chat,omitempty"`
	Crownsolo *bool `json:"crownsolo,omitempty"`
}

// userPatch carries a userset payload. Nil fields are left unchanged.
type userPatch struct {
	Name  *string `json:"name,omitempty"`
	Color *string `json:"color,omitempty"`
}

// memberInfo is how one room member is described to the others.
type memberInfo struct {
	ID    string  `json:"id"`
	PID   string  `json:"_id"`
	Name  string  `json:"name"`
	Color string  `json:"color"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

type crownInfo struct {
	ParticipantID string `json:"participantId"`
	Time          int64  `json:"time"`
}

type roomInfo struct {
	ID       string       `json:"_id"`
	Settings roomSettings `json:"settings"`
	Crown    *crownInfo   `json:"crown,omitempty"`
	Count    int          `json:"count"`
}

type helloMessage struct {
	M    string     `json:"m"`
	User memberInfo `json:"u"`
	Time int64      `json:"t"`
}

type roomJoinedMessage struct {
	M       string       `json:"m"`
	Room    roomInfo     `json:"ch"`
	ID      string       `json:"p"`
	Members []memberInfo `json:"ppl"`
}

// memberUpdateMessage doubles as the member-joined notice and the profile
// update broadcast, matching the original protocol.
type memberUpdateMessage struct {
	M     string  `json:"m"`
	ID    string  `json:"id"`
	PID   string  `json:"_id"`
	Name  string  `json:"name"`
	Color string  `json:"color"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

type memberLeftMessage struct {
	M  string `json:"m"`
	ID string `json:"p"`
}

type memberCountMessage struct {
	M     string `json:"m"`
	Count int    `json:"c"`
}

type chatMessage struct {
	M      string     `json:"m"`
	Text   string     `json:"a"`
	Member memberInfo `json:"p"`
	Time   int64      `json:"t"`
}

type noteMessage struct {
	M     string      `json:"m"`
	Time  int64       `json:"t"`
	Notes []noteEvent `json:"n"`
	ID    string      `json:"p"`
}

type moveMessage struct {
	M  string  `json:"m"`
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

type timeMessage struct {
	M    string `json:"m"`
	Time int64  `json:"t"`
	Echo int64  `json:"e"`
}

func decodeSettingsPatch(raw json.RawMessage) *settingsPatch {
	if len(raw) == 0 {
		return nil
	}

	patch := &settingsPatch{}
	if err := json.Unmarshal(raw, patch); err != nil {
		return nil
	}

	return patch
}

func decodeUserPatch(raw json.RawMessage) *userPatch {
	if len(raw) == 0 {
		return nil
	}

	patch := &userPatch{}
	if err := json.Unmarshal(raw, patch); err != nil {
		return nil
	}

	return patch
}
