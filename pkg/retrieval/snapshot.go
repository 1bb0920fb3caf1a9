package retrieval

import "sync"

// Node is the retrieval-facing view of a fragment: enough to hydrate a
// vector by hash and to format an excerpt. ContentHash is the normalized
// content fingerprint, the key embedding records are stored under.
type Node struct {
	ID          string
	Title       string
	Content     string
	ContentHash string
}

// Snapshot holds the candidate node set in memory. Hydrated once from the
// store, then kept current by the indexer as fragments change; queries
// never touch the store for candidate enumeration.
// Thread-safe for concurrent readers.
type Snapshot struct {
	mu    sync.RWMutex
	nodes map[string]Node
	order []string
}

// NewSnapshot creates an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{nodes: make(map[string]Node)}
}

// Hydrate bulk-loads nodes, replacing current contents. Returns the count.
func (s *Snapshot) Hydrate(nodes []Node) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[string]Node, len(nodes))
	s.order = s.order[:0]
	for _, n := range nodes {
		if _, exists := s.nodes[n.ID]; !exists {
			s.order = append(s.order, n.ID)
		}
		s.nodes[n.ID] = n
	}
	return len(s.nodes)
}

// Upsert adds or updates a single node.
func (s *Snapshot) Upsert(n Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[n.ID]; !exists {
		s.order = append(s.order, n.ID)
	}
	s.nodes[n.ID] = n
}

// Remove deletes a node.
func (s *Snapshot) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[id]; !exists {
		return
	}
	delete(s.nodes, id)
	for i, nid := range s.order {
		if nid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Get retrieves a node by ID.
func (s *Snapshot) Get(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	return n, ok
}

// Nodes returns every node in insertion order. Insertion order is what
// makes tie-breaks in ranking reproducible run to run.
func (s *Snapshot) Nodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Node, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.nodes[id])
	}
	return out
}

// Len returns the node count.
func (s *Snapshot) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}
