package agent

import (
	"fmt"
	"sync"

	"github.com/GoCodeAlone/steward/worker"
)

// Team groups agents under a lead. Tasks name the agent they are assigned
// to by id or role; the lead takes everything else.
type Team struct {
	ID      string
	Name    string
	Lead    *Runtime
	Members []*Runtime

	mu sync.RWMutex
}

// NewTeam creates an empty team with the given ID and name.
func NewTeam(id, name string) *Team {
	return &Team{ID: id, Name: name}
}

// AddAgent adds an agent to the team's member list.
func (t *Team) AddAgent(r *Runtime) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.Members {
		if m.cfg.ID == r.cfg.ID {
			return fmt.Errorf("team %s: agent %q already a member", t.ID, r.cfg.ID)
		}
	}
	t.Members = append(t.Members, r)
	return nil
}

// SetLead designates the given runtime as the team lead.
func (t *Team) SetLead(r *Runtime) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Lead = r
}

// Worker finds the member whose id or personality role is name.
func (t *Team) Worker(name string) (worker.Worker, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if name == "" {
		return nil, false
	}
	candidates := t.Members
	if t.Lead != nil {
		candidates = append([]*Runtime{t.Lead}, candidates...)
	}
	for _, m := range candidates {
		if m.cfg.ID == name {
			return m, true
		}
	}
	for _, m := range candidates {
		if m.cfg.Personality != nil && m.cfg.Personality.Role == name {
			return m, true
		}
	}
	return nil, false
}

// Default returns the lead, or the first member when no lead is set.
func (t *Team) Default() worker.Worker {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.Lead != nil {
		return t.Lead
	}
	if len(t.Members) > 0 {
		return t.Members[0]
	}
	return nil
}

// Infos returns the metadata of the lead followed by every member.
func (t *Team) Infos() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Info
	if t.Lead != nil {
		out = append(out, t.Lead.Info())
	}
	for _, m := range t.Members {
		out = append(out, m.Info())
	}
	return out
}
