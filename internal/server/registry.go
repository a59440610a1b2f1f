package server

import "sync"

// Registry maps a group id to the live connections attached to that group's
// channel. A user may hold several connections; entries are keyed by the
// connection itself.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]map[*Client]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string]map[*Client]struct{}),
	}
}

// Attach adds c to its group's set and reports whether the set was created.
func (r *Registry) Attach(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.groups[c.groupId]
	if !ok {
		set = make(map[*Client]struct{})
		r.groups[c.groupId] = set
	}
	set[c] = struct{}{}

	return !ok
}

// Detach removes c by identity. It reports whether c was attached and
// whether its group's set was dropped as a result.
func (r *Registry) Detach(c *Client) (removed, emptied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.groups[c.groupId]
	if !ok {
		return false, false
	}
	if _, ok := set[c]; !ok {
		return false, false
	}

	delete(set, c)
	if len(set) == 0 {
		delete(r.groups, c.groupId)
		return true, true
	}

	return true, false
}

// Clients returns a snapshot of the group's connections.
func (r *Registry) Clients(groupId string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.groups[groupId]
	clients := make([]*Client, 0, len(set))
	for c := range set {
		clients = append(clients, c)
	}

	return clients
}

// RemoveUser detaches every connection userId holds in groupId.
func (r *Registry) RemoveUser(groupId string, userId int) (removed []*Client, emptied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.groups[groupId]
	if !ok {
		return nil, false
	}

	for c := range set {
		if c.user.Id == userId {
			removed = append(removed, c)
			delete(set, c)
		}
	}

	if len(set) == 0 {
		delete(r.groups, groupId)
		emptied = true
	}

	return removed, emptied
}

// RemoveGroup detaches every connection of groupId.
func (r *Registry) RemoveGroup(groupId string) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.groups[groupId]
	if !ok {
		return nil
	}
	delete(r.groups, groupId)

	clients := make([]*Client, 0, len(set))
	for c := range set {
		clients = append(clients, c)
	}

	return clients
}

// RemoveAll empties the registry and returns every connection it held
// along with the number of groups dropped.
func (r *Registry) RemoveAll() (clients []*Client, groups int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, set := range r.groups {
		for c := range set {
			clients = append(clients, c)
		}
	}
	groups = len(r.groups)
	r.groups = make(map[string]map[*Client]struct{})

	return clients, groups
}

// Len returns the number of groups with at least one connection and the
// total number of connections.
func (r *Registry) Len() (groups, clients int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, set := range r.groups {
		clients += len(set)
	}

	return len(r.groups), clients
}
