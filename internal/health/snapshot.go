// Package health derives point-in-time health snapshots of a sandbox: the
// dev server log tail, its liveness, and the packages it failed to resolve.
package health

import (
	"encoding/json"
	"time"
)

// Liveness is the tri-state result of a dev server liveness probe.
type Liveness int

const (
	// LivenessUnknown means no probe was conclusive.
	LivenessUnknown Liveness = iota
	LivenessRunning
	LivenessStopped
)

func (l Liveness) String() string {
	switch l {
	case LivenessRunning:
		return "running"
	case LivenessStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes running as true, stopped as false, unknown as null.
func (l Liveness) MarshalJSON() ([]byte, error) {
	switch l {
	case LivenessRunning:
		return []byte("true"), nil
	case LivenessStopped:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (l *Liveness) UnmarshalJSON(data []byte) error {
	var b *bool
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}
	*l = LivenessFromBool(b)
	return nil
}

// LivenessFromBool maps an optional provider-reported flag to a Liveness.
func LivenessFromBool(b *bool) Liveness {
	switch {
	case b == nil:
		return LivenessUnknown
	case *b:
		return LivenessRunning
	default:
		return LivenessStopped
	}
}

// IssueKind tags an Issue.
type IssueKind string

const (
	IssueMissingPackages  IssueKind = "missing_packages"
	IssueServerNotRunning IssueKind = "server_not_running"
	IssueServerError      IssueKind = "server_error"
)

// Issue is one detected problem. Packages is set for missing_packages,
// Detail for server_error.
type Issue struct {
	Kind     IssueKind `json:"kind"`
	Packages []string  `json:"packages,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Snapshot is the health of one sandbox at ProbedAt. It is recomputed on
// demand and never persisted.
type Snapshot struct {
	SandboxID        string    `json:"sandbox_id"`
	ProviderID       string    `json:"provider_id"`
	URL              string    `json:"url,omitempty"`
	DevServerLogTail string    `json:"dev_server_log_tail,omitempty"`
	DevServerRunning Liveness  `json:"dev_server_running"`
	MissingPackages  []string  `json:"missing_packages,omitempty"`
	Issues           []Issue   `json:"issues,omitempty"`
	ProbedAt         time.Time `json:"probed_at"`
}

// HealthyForPreview reports whether no packages are missing and the dev
// server is not known to be dead.
func (s *Snapshot) HealthyForPreview() bool {
	return len(s.MissingPackages) == 0 && s.DevServerRunning != LivenessStopped
}

// AddMissing merges extra package names into the snapshot, keeping order,
// dropping duplicates, and stopping at max (0 means no cap). The
// missing_packages issue is rebuilt to match.
func (s *Snapshot) AddMissing(max int, names ...string) {
	seen := make(map[string]bool, len(s.MissingPackages))
	for _, n := range s.MissingPackages {
		seen[n] = true
	}
	for _, n := range names {
		if max > 0 && len(s.MissingPackages) >= max {
			break
		}
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		s.MissingPackages = append(s.MissingPackages, n)
	}

	issues := s.Issues[:0:0]
	for _, is := range s.Issues {
		if is.Kind != IssueMissingPackages {
			issues = append(issues, is)
		}
	}
	if len(s.MissingPackages) > 0 {
		pkgs := append([]string(nil), s.MissingPackages...)
		issues = append([]Issue{{Kind: IssueMissingPackages, Packages: pkgs}}, issues...)
	}
	s.Issues = issues
}

// MarshalJSON adds the derived healthy_for_preview field.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type alias Snapshot
	return json.Marshal(struct {
		alias
		HealthyForPreview bool `json:"healthy_for_preview"`
	}{alias(s), s.HealthyForPreview()})
}
