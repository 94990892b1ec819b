package relay

import (
	"sort"
	"sync"
	"time"
)

// Pending describes a registered session still waiting for its peer.
type Pending struct {
	FileID string    `json:"file_id"`
	Role   Role      `json:"waiting"`
	Owner  string    `json:"-"`
	Since  time.Time `json:"since"`
}

// Registry is the in-memory map of file names to sessions awaiting a peer.
// The lock is only ever held for a single map operation.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Register creates a session for fileID, or fails with ErrConflict if one
// already exists.
func (r *Registry) Register(fileID string, role Role, owner string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[fileID]; exists {
		return nil, ErrConflict
	}
	s := newSession(fileID, role, owner)
	r.sessions[fileID] = s
	return s, nil
}

// Claim removes and returns the session for fileID. A session registered by
// the same role is a conflict, and a session owned by another token is
// forbidden; in both cases the session stays registered. The caller must
// call MarkReady on the returned session before consuming it.
func (r *Registry) Claim(fileID string, role Role, owner string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claimLocked(fileID, role, owner)
}

// Join claims a waiting session of the opposite role, or registers a new
// one when none exists. registered reports which happened.
func (r *Registry) Join(fileID string, role Role, owner string) (s *Session, registered bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[fileID]; exists {
		s, err = r.claimLocked(fileID, role, owner)
		return s, false, err
	}
	s = newSession(fileID, role, owner)
	r.sessions[fileID] = s
	return s, true, nil
}

// Remove deletes fileID only if it still maps to s. It returns false when s
// was already claimed or removed.
func (r *Registry) Remove(fileID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[fileID]; ok && cur == s {
		delete(r.sessions, fileID)
		return true
	}
	return false
}

// List returns a snapshot of waiting sessions ordered by file name.
func (r *Registry) List() []Pending {
	r.mu.Lock()
	result := make([]Pending, 0, len(r.sessions))
	for id, s := range r.sessions {
		result = append(result, Pending{
			FileID: id,
			Role:   s.Role,
			Owner:  s.Owner,
			Since:  s.CreatedAt,
		})
	}
	r.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].FileID < result[j].FileID
	})
	return result
}

// Active returns the waiting file names ordered by name.
func (r *Registry) Active() []string {
	pending := r.List()
	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.FileID
	}
	return ids
}

// Len returns the number of waiting sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) claimLocked(fileID string, role Role, owner string) (*Session, error) {
	s, ok := r.sessions[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Role == role {
		return nil, ErrConflict
	}
	if s.Owner != "" && s.Owner != owner {
		return nil, ErrForbidden
	}
	delete(r.sessions, fileID)
	return s, nil
}
