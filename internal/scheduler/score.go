package scheduler

import (
	"cmp"
	"math"
	"slices"
	"strings"

	"taskmesh/internal/domain"
	"taskmesh/internal/queue"
)

// Weights blend the four score components.
type Weights struct {
	Capability float64
	Workload   float64
	Priority   float64
	Connection float64
}

func DefaultWeights() Weights {
	return Weights{Capability: 0.4, Workload: 0.3, Priority: 0.2, Connection: 0.1}
}

func (w Weights) valid() bool {
	if w.Capability < 0 || w.Workload < 0 || w.Priority < 0 || w.Connection < 0 {
		return false
	}
	return w.Capability+w.Workload+w.Priority+w.Connection > 0
}

// Components are the unweighted inputs of one agent's score.
type Components struct {
	Capability float64
	Workload   float64
	Priority   float64
	Connection float64
}

func (w Weights) Combine(c Components) float64 {
	return w.Capability*c.Capability + w.Workload*c.Workload + w.Priority*c.Priority + w.Connection*c.Connection
}

// WorkloadScore falls from 1 at an idle agent to 0.3 at one running at its
// cap. Only active tasks count; eligibility already covers pending ones.
func WorkloadScore(stats queue.Stats) float64 {
	if stats.MaxConcurrent <= 0 {
		return 0
	}
	ratio := math.Min(float64(stats.Active)/float64(stats.MaxConcurrent), 1)
	return 1 - 0.7*ratio
}

func PriorityScore(p domain.Priority) float64 {
	return float64(6-int(p)) / 5
}

// ConnectionScore is 1 for the creator itself or an external creator and
// 1/h for an agent h hops away.
func ConnectionScore(hops int) float64 {
	if hops <= 0 {
		return 1
	}
	return 1 / float64(hops)
}

// Candidate is one eligible agent for a task.
type Candidate struct {
	AgentID    string
	Score      float64
	Active     int
	Components Components
}

const scoreEpsilon = 1e-9

// rank orders candidates best first: highest score, then fewest active
// tasks, then agent id.
func rank(cands []Candidate) {
	slices.SortFunc(cands, func(a, b Candidate) int {
		if math.Abs(a.Score-b.Score) > scoreEpsilon {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(a.Active, b.Active); c != 0 {
			return c
		}
		return strings.Compare(a.AgentID, b.AgentID)
	})
}
