package agentgraph

import (
	"slices"
	"strings"

	"taskmesh/internal/domain"
)

// MetadataCapabilitiesKey names the task metadata entry holding a
// comma-separated list of required capabilities.
const MetadataCapabilitiesKey = "capabilities"

const wildcardSkill = "*"

// Matcher scores how well an agent's declared capabilities cover a task, in [0,1].
type Matcher interface {
	Score(task domain.Task, capability domain.Capability) float64
}

// TagMatcher scores the fraction of required capabilities the agent declares.
// Required capabilities are the task's tags plus any listed under the
// "capabilities" metadata key. A task that requires nothing scores 1.
type TagMatcher struct{}

func (TagMatcher) Score(task domain.Task, capability domain.Capability) float64 {
	required := RequiredCapabilities(task)
	if len(required) == 0 {
		return 1
	}
	skills := make(map[string]struct{}, len(capability.Skills))
	for _, s := range capability.Skills {
		s = normalize(s)
		if s == wildcardSkill {
			return 1
		}
		skills[s] = struct{}{}
	}
	covered := 0
	for _, r := range required {
		if _, ok := skills[r]; ok {
			covered++
		}
	}
	return float64(covered) / float64(len(required))
}

func RequiredCapabilities(task domain.Task) []string {
	var out []string
	add := func(raw string) {
		v := normalize(raw)
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	for _, tag := range task.Tags {
		add(tag)
	}
	if raw, ok := task.Metadata[MetadataCapabilitiesKey]; ok {
		for _, part := range strings.Split(raw, ",") {
			add(part)
		}
	}
	slices.Sort(out)
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
