// Participant registry: one record per live connection.

package main

import (
	"errors"
	"sync"
)

var errParticipantExists = errors.New("participant already exists for connection")

const (
	defaultName = "Anonymous"
	defaultX    = 50
	defaultY    = 50
)

// participant is the connection-scoped identity shared across rooms. The ID
// is generated server-side and never chosen by the client. Fields are only
// mutated by the session coordinator while it holds the session lock.
type participant struct {
	ID    string
	Name  string
	Color string
	X     float64
	Y     float64
}

type participantRegistry struct {
	mu     sync.RWMutex
	byConn map[string]*participant
}

func newParticipantRegistry() *participantRegistry {
	return &participantRegistry{
		byConn: make(map[string]*participant),
	}
}

// create registers a fresh participant for connID. A second create for the
// same live connection is a protocol bug on the caller's side and fails with
// errParticipantExists; the existing record is left untouched.
func (pr *participantRegistry) create(connID string) (*participant, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if _, ok := pr.byConn[connID]; ok {
		return nil, errParticipantExists
	}

	p := &participant{
		ID:    connID,
		Name:  defaultName,
		Color: randomColor(),
		X:     defaultX,
		Y:     defaultY,
	}
	pr.byConn[connID] = p

	return p, nil
}

func (pr *participantRegistry) get(connID string) *participant {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	return pr.byConn[connID]
}

func (pr *participantRegistry) remove(connID string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	delete(pr.byConn, connID)
}

func (pr *participantRegistry) count() int {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	return len(pr.byConn)
}
