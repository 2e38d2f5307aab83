// Package correlator matches replies to the calls that are waiting for them.
//
// Every outbound call registers a one-shot settle function and gets back a
// fresh id. When a reply carrying that id arrives, Resolve hands it to the
// settle function and forgets the id. Replies that match nothing are reported
// to the caller and otherwise ignored.
package correlator

import (
	"crypto/rand"
	"sync"

	"lithium/message"

	"github.com/mr-tron/base58/base58"
)

// IDBytes is the number of random bytes in a correlation id (128 bits).
const IDBytes = 16

// SettleFunc receives the reply to a call. Its Command decides success or failure.
type SettleFunc func(reply *message.Envelope)

// Correlator tracks pending calls for one connection.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]SettleFunc
	newID   func() string
}

func New() *Correlator {
	return &Correlator{
		pending: make(map[string]SettleFunc),
		newID:   RandomID,
	}
}

// RandomID returns a base58 string of IDBytes bytes from crypto/rand.
func RandomID() string {
	var b [IDBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand only fails when the OS entropy source is gone.
		panic("correlator: crypto/rand failed: " + err.Error())
	}
	return base58.Encode(b[:])
}

// Register stores settle under an id not currently pending and returns the id.
func (c *Correlator) Register(settle SettleFunc) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.newID()
	for {
		if _, taken := c.pending[id]; !taken {
			break
		}
		id = c.newID()
	}
	c.pending[id] = settle
	return id
}

// Resolve settles the call waiting on id with reply. It reports false when
// nothing is pending under id, including a second reply to the same call.
// settle runs outside the lock.
func (c *Correlator) Resolve(id string, reply *message.Envelope) bool {
	c.mu.Lock()
	settle, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	settle(reply)
	return true
}

// Cancel forgets id without settling it. It reports whether id was pending.
func (c *Correlator) Cancel(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.pending[id]
	delete(c.pending, id)
	return ok
}

// Len returns the number of pending calls.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
