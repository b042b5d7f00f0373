package server

import (
	"sync"
	"time"

	"github.com/groupcast/groupcast/pkg/protocol"
)

// member is one group participant and its delivery queue. Readiness and the
// ignore-wait flag feed the group's wait-for-ready barrier: a playback
// start is held until every following member has reported buffering done.
type member struct {
	clientID   string
	name       string
	joinedAt   time.Time
	ignoreWait bool
	ready      bool
	pingMillis int64

	sendMu sync.Mutex
	closed bool
	outbox chan protocol.Envelope
}

// enqueue queues an envelope without blocking; a saturated member loses the
// message rather than stalling the group, and a departed one drops it.
func (m *member) enqueue(env protocol.Envelope) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.outbox <- env:
	default:
	}
}

func (m *member) close() {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.outbox)
}

// Roster tracks who belongs to each group, in join order, together with the
// per-member state the coordinator cares about: display name, measured
// ping, ignore-wait, and readiness for the start barrier. Delivery to each
// member runs on its own pump goroutine fed by a bounded outbox.
type Roster struct {
	mu     sync.Mutex
	groups map[string][]*member
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{groups: make(map[string][]*member)}
}

// Join registers a member and starts its delivery pump. deliver is called
// sequentially from the pump until the member leaves or deliver fails.
// Rejoining with the same client id replaces the previous registration;
// fresh members start outside the ready barrier until they follow.
func (r *Roster) Join(groupID, clientID, name string, joinedAt time.Time, deliver func(env protocol.Envelope) error) {
	m := &member{
		clientID:   clientID,
		name:       name,
		joinedAt:   joinedAt,
		ignoreWait: true,
		outbox:     make(chan protocol.Envelope, 256),
	}

	r.mu.Lock()
	members := r.groups[groupID]
	for i, existing := range members {
		if existing.clientID == clientID {
			existing.close()
			members = append(members[:i], members[i+1:]...)
			break
		}
	}
	r.groups[groupID] = append(members, m)
	r.mu.Unlock()

	go func() {
		for env := range m.outbox {
			if err := deliver(env); err != nil {
				return
			}
		}
	}()
}

// Leave removes a member and stops its pump. Removing the last member
// dissolves the group entry.
func (r *Roster) Leave(groupID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.groups[groupID]
	for i, m := range members {
		if m.clientID != clientID {
			continue
		}
		m.close()
		members = append(members[:i], members[i+1:]...)
		if len(members) == 0 {
			delete(r.groups, groupID)
		} else {
			r.groups[groupID] = members
		}
		return
	}
}

// Empty reports whether a group has no members left.
func (r *Roster) Empty(groupID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups[groupID]) == 0
}

// Participants returns the member display names in join order, for the
// group-info payload.
func (r *Roster) Participants(groupID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.groups[groupID]
	names := make([]string, 0, len(members))
	for _, m := range members {
		name := m.name
		if name == "" {
			name = m.clientID
		}
		names = append(names, name)
	}
	return names
}

// SetPing records a member's reported round-trip time.
func (r *Roster) SetPing(groupID, clientID string, pingMillis int64) {
	r.withMember(groupID, clientID, func(m *member) { m.pingMillis = pingMillis })
}

// MaxPing returns the largest reported ping in the group, used to pad
// command lead time.
func (r *Roster) MaxPing(groupID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var max int64
	for _, m := range r.groups[groupID] {
		if m.pingMillis > max {
			max = m.pingMillis
		}
	}
	return max
}

// SetIgnoreWait flips whether a member sits outside the ready barrier.
// A member entering the barrier is not ready until it reports so.
func (r *Roster) SetIgnoreWait(groupID, clientID string, ignore bool) {
	r.withMember(groupID, clientID, func(m *member) {
		m.ignoreWait = ignore
		if !ignore {
			m.ready = false
		}
	})
}

// ResetReady re-arms the barrier, e.g. when a new playlist starts loading.
func (r *Roster) ResetReady(groupID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.groups[groupID] {
		m.ready = false
	}
}

// MarkReady records a buffering-done report and reports whether the
// barrier is now clear: every following member ready, and at least one
// member reporting at all.
func (r *Roster) MarkReady(groupID, clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.groups[groupID]
	found := false
	for _, m := range members {
		if m.clientID == clientID {
			m.ready = true
			found = true
			break
		}
	}
	if !found {
		return false
	}
	for _, m := range members {
		if !m.ignoreWait && !m.ready {
			return false
		}
	}
	return true
}

// Broadcast queues an envelope for every member of a group.
func (r *Roster) Broadcast(groupID string, env protocol.Envelope) {
	for _, m := range r.members(groupID) {
		m.enqueue(env)
	}
}

// BroadcastExcept queues an envelope for every member but one.
func (r *Roster) BroadcastExcept(groupID, exceptClientID string, env protocol.Envelope) {
	for _, m := range r.members(groupID) {
		if m.clientID != exceptClientID {
			m.enqueue(env)
		}
	}
}

// SendTo queues an envelope for one member. Returns false when the member
// is not in the group.
func (r *Roster) SendTo(groupID, clientID string, env protocol.Envelope) bool {
	var target *member
	r.withMember(groupID, clientID, func(m *member) { target = m })
	if target == nil {
		return false
	}
	target.enqueue(env)
	return true
}

// members snapshots a group's member list outside the lock.
func (r *Roster) members(groupID string) []*member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*member(nil), r.groups[groupID]...)
}

func (r *Roster) withMember(groupID, clientID string, fn func(m *member)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.groups[groupID] {
		if m.clientID == clientID {
			fn(m)
			return
		}
	}
}
