// Package chat is a chat room module: every message a member sends is
// broadcast to every other member.
package chat

import (
	"fmt"
	"net/http"
	"sync"

	"nhooyr.io/wsserver"
)

// Room is a wsserver.Module relaying messages between its members.
type Room struct {
	wsserver.BaseModule

	// Notices announces members joining and leaving.
	Notices bool

	membersMu sync.RWMutex
	members   map[int]struct{}
}

var _ wsserver.Module = (*Room)(nil)

// New creates an empty room.
func New() *Room {
	return &Room{
		members: make(map[int]struct{}),
	}
}

func (r *Room) OnOpen(s *wsserver.Server, req *http.Request, id int) {
	r.membersMu.Lock()
	r.members[id] = struct{}{}
	r.membersMu.Unlock()

	if r.Notices {
		r.notice(s, fmt.Sprintf("#%d joined", id), id)
	}
}

// OnMessage relays data to the other members. The sender gets no reply.
func (r *Room) OnMessage(s *wsserver.Server, data []byte, id int) string {
	r.publish(s, data, id)
	return ""
}

func (r *Room) OnClose(s *wsserver.Server, id int, meta wsserver.Meta) {
	r.membersMu.Lock()
	delete(r.members, id)
	r.membersMu.Unlock()

	if r.Notices {
		r.notice(s, fmt.Sprintf("#%d left", id), id)
	}
}

// Members returns the number of members.
func (r *Room) Members() int {
	r.membersMu.RLock()
	defer r.membersMu.RUnlock()
	return len(r.members)
}

// publish sends msg to every member but from. Connections on other paths
// of the server never see it.
func (r *Room) publish(s *wsserver.Server, msg []byte, from int) {
	r.membersMu.RLock()
	to := make([]int, 0, len(r.members))
	for id := range r.members {
		if id != from {
			to = append(to, id)
		}
	}
	r.membersMu.RUnlock()

	if len(to) == 0 {
		return
	}
	s.NewMessage(msg).From(from).To(to...).Send()
}

func (r *Room) notice(s *wsserver.Server, msg string, about int) {
	r.publish(s, []byte(msg), about)
}
