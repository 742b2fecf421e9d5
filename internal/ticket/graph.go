package ticket

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validation errors.
var (
	ErrDuplicateID       = errors.New("duplicate ticket id")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCycle             = errors.New("dependency cycle")
	ErrMissingID         = errors.New("ticket id is required")
)

// Policy controls which terminal statuses count as resolving a dependency.
// Done and Skipped always resolve; Failed resolves only when opted in.
type Policy struct {
	TreatFailedAsResolved bool
}

// Resolved reports whether a dependency in status s no longer blocks.
func (p Policy) Resolved(s Status) bool {
	switch s {
	case StatusDone, StatusSkipped:
		return true
	case StatusFailed:
		return p.TreatFailedAsResolved
	default:
		return false
	}
}

// index maps ticket ids to positions in the slice.
func index(tickets []Ticket) map[string]int {
	idx := make(map[string]int, len(tickets))
	for i := range tickets {
		idx[tickets[i].ID] = i
	}
	return idx
}

// ReadySet returns the ids of tickets that are in backlog with every
// dependency resolved under policy. Results are sorted by priority rank,
// then by input order. Runs in O(tickets + edges).
func ReadySet(tickets []Ticket, policy Policy) []string {
	idx := index(tickets)

	type candidate struct {
		id   string
		rank int
		pos  int
	}
	var ready []candidate

	for i := range tickets {
		t := &tickets[i]
		if t.Status != StatusBacklog {
			continue
		}
		if len(blockedBy(t, tickets, idx, policy)) > 0 {
			continue
		}
		ready = append(ready, candidate{id: t.ID, rank: t.Priority.Rank(), pos: i})
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].rank != ready[j].rank {
			return ready[i].rank < ready[j].rank
		}
		return ready[i].pos < ready[j].pos
	})

	ids := make([]string, len(ready))
	for i, c := range ready {
		ids[i] = c.id
	}
	return ids
}

// BlockedBy returns the dependencies of t that are unresolved in tickets.
// A dependency missing from tickets counts as unresolved.
func BlockedBy(t Ticket, tickets []Ticket, policy Policy) []string {
	return blockedBy(&t, tickets, index(tickets), policy)
}

func blockedBy(t *Ticket, tickets []Ticket, idx map[string]int, policy Policy) []string {
	var blocked []string
	for _, dep := range t.Dependencies {
		i, ok := idx[dep]
		if !ok || !policy.Resolved(tickets[i].Status) {
			blocked = append(blocked, dep)
		}
	}
	return blocked
}

// DependencyClosure returns id together with every ticket it transitively
// depends on. Unknown ids are ignored.
func DependencyClosure(tickets []Ticket, id string) map[string]bool {
	idx := index(tickets)
	closure := make(map[string]bool)

	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if closure[cur] {
			continue
		}
		i, ok := idx[cur]
		if !ok {
			continue
		}
		closure[cur] = true
		stack = append(stack, tickets[i].Dependencies...)
	}
	return closure
}

// Dependents returns the ids of tickets that directly depend on id.
func Dependents(tickets []Ticket, id string) []string {
	var out []string
	for i := range tickets {
		for _, dep := range tickets[i].Dependencies {
			if dep == id {
				out = append(out, tickets[i].ID)
				break
			}
		}
	}
	return out
}

// DetectCycle returns one dependency cycle as a path of ids whose first
// and last element are equal, or nil if the graph is acyclic. Unknown
// dependencies are skipped.
func DetectCycle(tickets []Ticket) []string {
	const (
		white = iota
		grey
		black
	)
	idx := index(tickets)
	color := make([]int, len(tickets))
	parent := make([]int, len(tickets))

	for root := range tickets {
		if color[root] != white {
			continue
		}

		// Iterative DFS; next[i] is the position in the dependency list to
		// visit next for node i.
		next := map[int]int{root: 0}
		stack := []int{root}
		color[root] = grey
		parent[root] = -1

		for len(stack) > 0 {
			n := stack[len(stack)-1]
			deps := tickets[n].Dependencies
			if next[n] >= len(deps) {
				color[n] = black
				stack = stack[:len(stack)-1]
				continue
			}
			dep := deps[next[n]]
			next[n]++

			m, ok := idx[dep]
			if !ok {
				continue
			}
			switch color[m] {
			case white:
				color[m] = grey
				parent[m] = n
				next[m] = 0
				stack = append(stack, m)
			case grey:
				return cyclePath(tickets, parent, n, m)
			}
		}
	}
	return nil
}

// cyclePath rebuilds the cycle closed by the back edge from -> to.
func cyclePath(tickets []Ticket, parent []int, from, to int) []string {
	path := []string{tickets[to].ID}
	for n := from; n != to && n >= 0; n = parent[n] {
		path = append(path, tickets[n].ID)
	}
	path = append(path, tickets[to].ID)

	// Reverse so the path reads in dependency order from the first node.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Validate checks that tickets have unique non-empty ids, that every
// dependency names a ticket in the set, and that the graph is acyclic.
func Validate(tickets []Ticket) error {
	seen := make(map[string]bool, len(tickets))
	for _, t := range tickets {
		if strings.TrimSpace(t.ID) == "" {
			return ErrMissingID
		}
		if seen[t.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
		}
		seen[t.ID] = true
	}

	for _, t := range tickets {
		for _, dep := range t.Dependencies {
			if !seen[dep] {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, t.ID, dep)
			}
		}
	}

	if cycle := DetectCycle(tickets); cycle != nil {
		return fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycle, " -> "))
	}
	return nil
}
