package agentgraph

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"taskmesh/internal/domain"
)

// Roster is the YAML file describing the agents known at startup.
type Roster struct {
	Agents []RosterAgent `yaml:"agents"`
}

type RosterAgent struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	ParentID       string   `yaml:"parent_id"`
	Connections    []string `yaml:"connections"`
	Capabilities   []string `yaml:"capabilities"`
	MaxConcurrent  int      `yaml:"max_concurrent"`
	MaxChildAgents int      `yaml:"max_child_agents"`
	// Active defaults to true when omitted.
	Active *bool `yaml:"active"`
}

func (r RosterAgent) agent() domain.Agent {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return domain.Agent{
		ID:             r.ID,
		Name:           r.Name,
		ParentID:       r.ParentID,
		Capabilities:   r.Capabilities,
		MaxConcurrent:  r.MaxConcurrent,
		MaxChildAgents: r.MaxChildAgents,
		Active:         active,
	}
}

// LoadRoster reads a roster file. A missing file yields an empty roster.
func LoadRoster(path string) (Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Roster{}, nil
		}
		return Roster{}, fmt.Errorf("read roster %s: %w", path, err)
	}
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Roster{}, fmt.Errorf("parse roster %s: %w", path, err)
	}
	seen := make(map[string]bool, len(r.Agents))
	for i, a := range r.Agents {
		if a.ID == "" {
			return Roster{}, fmt.Errorf("parse roster %s: agent %d has no id", path, i)
		}
		if seen[a.ID] {
			return Roster{}, fmt.Errorf("parse roster %s: duplicate agent %s", path, a.ID)
		}
		seen[a.ID] = true
	}
	return r, nil
}

// Apply registers every roster agent, then wires connections, so entries may
// reference agents listed later in the file.
func (d *Directory) Apply(r Roster) error {
	for _, ra := range r.Agents {
		if _, err := d.Register(ra.agent()); err != nil {
			return fmt.Errorf("register %s: %w", ra.ID, err)
		}
	}
	for _, ra := range r.Agents {
		for _, peer := range ra.Connections {
			if peer == ra.ID {
				continue
			}
			if err := d.Connect(ra.ID, peer); err != nil {
				return fmt.Errorf("connect %s to %s: %w", ra.ID, peer, err)
			}
		}
	}
	return nil
}
