// Package registry tracks which connected clients watch which project.
//
// Membership is process-local and never persisted: a restarted instance
// starts empty and clients rejoin explicitly. Presence across several
// instances is therefore approximate.
package registry

import (
	"sort"
	"sync"
)

// Transport identifies the wire protocol a client is connected over.
type Transport string

const (
	Native Transport = "native"
	Stream Transport = "stream"
)

type Member struct {
	ClientID  string    `json:"clientId"`
	Transport Transport `json:"transport"`
}

// Registry is safe for concurrent use. Every method is a short in-memory
// critical section; callers must not hold results across network I/O
// expecting them to stay current.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]map[string]Transport
	clients  map[string]map[string]struct{}
}

func New() *Registry {
	return &Registry{
		projects: make(map[string]map[string]Transport),
		clients:  make(map[string]map[string]struct{}),
	}
}

// Join adds the client to the project and returns the member ids after the
// join. Joining twice is a no-op.
func (r *Registry) Join(projectID, clientID string, t Transport) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.projects[projectID]
	if !ok {
		members = make(map[string]Transport)
		r.projects[projectID] = members
	}
	members[clientID] = t

	joined, ok := r.clients[clientID]
	if !ok {
		joined = make(map[string]struct{})
		r.clients[clientID] = joined
	}
	joined[projectID] = struct{}{}

	return sortedIDs(members)
}

// Leave removes the client from the project and returns the remaining
// member ids. left is false when the client was not a member.
func (r *Registry) Leave(projectID, clientID string) (remaining []string, left bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	left = r.removeLocked(projectID, clientID)
	return sortedIDs(r.projects[projectID]), left
}

// LeaveAll removes the client from every project and returns, per affected
// project, the remaining member ids.
func (r *Registry) LeaveAll(clientID string) map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.clients[clientID]
	affected := make(map[string][]string, len(joined))
	for projectID := range joined {
		r.removeLocked(projectID, clientID)
		affected[projectID] = sortedIDs(r.projects[projectID])
	}
	return affected
}

func (r *Registry) removeLocked(projectID, clientID string) bool {
	members, ok := r.projects[projectID]
	if !ok {
		return false
	}
	if _, ok := members[clientID]; !ok {
		return false
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(r.projects, projectID)
	}

	if joined, ok := r.clients[clientID]; ok {
		delete(joined, projectID)
		if len(joined) == 0 {
			delete(r.clients, clientID)
		}
	}
	return true
}

// Members returns the project's members ordered by client id.
func (r *Registry) Members(projectID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.projects[projectID]
	out := make([]Member, 0, len(members))
	for id, t := range members {
		out = append(out, Member{ClientID: id, Transport: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (r *Registry) MemberIDs(projectID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedIDs(r.projects[projectID])
}

// Projects returns the projects the client has joined.
func (r *Registry) Projects(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.clients[clientID]))
	for projectID := range r.clients[clientID] {
		out = append(out, projectID)
	}
	sort.Strings(out)
	return out
}

type Stats struct {
	Projects int `json:"projects"`
	Clients  int `json:"clients"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Projects: len(r.projects), Clients: len(r.clients)}
}

// Reset drops all membership. Used on shutdown.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects = make(map[string]map[string]Transport)
	r.clients = make(map[string]map[string]struct{})
}

func sortedIDs(members map[string]Transport) []string {
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
