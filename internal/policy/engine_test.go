package policy

import (
	"errors"
	"testing"

	"taskmesh/internal/agentgraph"
	"taskmesh/internal/domain"
)

func newGraph(t *testing.T) *agentgraph.Directory {
	t.Helper()
	d, err := agentgraph.New(agentgraph.Options{})
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	t.Cleanup(d.Close)
	for _, id := range []string{"lead", "peer", "far", "farther", "sleepy"} {
		if _, err := d.Register(domain.Agent{ID: id, Active: id != "sleepy"}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if _, err := d.SpawnChild("lead", domain.Agent{ID: "kid"}); err != nil {
		t.Fatalf("spawn kid: %v", err)
	}
	for _, pair := range [][2]string{{"lead", "peer"}, {"peer", "far"}, {"far", "farther"}, {"lead", "sleepy"}} {
		if err := d.Connect(pair[0], pair[1]); err != nil {
			t.Fatalf("connect %v: %v", pair, err)
		}
	}
	return d
}

func TestCanDelegate(t *testing.T) {
	e := New(newGraph(t), 3)
	cases := []struct {
		from, to string
		want     error
	}{
		{"lead", "peer", nil},
		{"lead", "kid", nil},
		{"kid", "lead", domain.ErrNotAuthorized},
		{"lead", "far", domain.ErrNotAuthorized},
		{"lead", "sleepy", domain.ErrAgentInactive},
		{"lead", "ghost", domain.ErrAgentNotFound},
		{"", "far", nil},
		{"ghost", "peer", domain.ErrAgentNotFound},
	}
	for _, tc := range cases {
		err := e.CanDelegate(tc.from, tc.to)
		if tc.want == nil && err != nil {
			t.Fatalf("delegate %q -> %q: unexpected error %v", tc.from, tc.to, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("delegate %q -> %q: got %v, want %v", tc.from, tc.to, err, tc.want)
		}
	}
}

func TestCanSpawnChildTask(t *testing.T) {
	e := New(newGraph(t), 3)
	if err := e.CanSpawnChildTask("lead", "kid"); err != nil {
		t.Fatalf("lead should spawn work for kid: %v", err)
	}
	if err := e.CanSpawnChildTask("lead", "peer"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("a peer is not a child, got %v", err)
	}
}

func TestCanReceiveHonorsReach(t *testing.T) {
	g := newGraph(t)
	e := New(g, 2)
	task := domain.Task{ID: "t1", CreatedBy: "lead"}
	cases := []struct {
		agent string
		want  bool
	}{
		{"lead", true},
		{"peer", true},
		{"far", true},
		{"farther", false},
		{"sleepy", false},
	}
	for _, tc := range cases {
		if ok, reason := e.CanReceive(task, tc.agent); ok != tc.want {
			t.Fatalf("receive on %s: got %t (%s), want %t", tc.agent, ok, reason, tc.want)
		}
	}

	external := domain.Task{ID: "t2", CreatedBy: "api"}
	if ok, reason := e.CanReceive(external, "farther"); !ok {
		t.Fatalf("external creators reach every active agent: %s", reason)
	}
}
