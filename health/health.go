// Package health aggregates per-subsystem health for the admin endpoints.
package health

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/ripel-io/ripel/cdc"
	"github.com/ripel-io/ripel/resilience"
)

// Status is the health of one component. Larger is worse.
type Status int

const (
	Healthy Status = iota
	Degraded
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	}
	return fmt.Sprintf("status(%d)", s)
}

// MarshalText renders the status by name in JSON
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Saturation thresholds for the pipeline queue
const (
	DegradedSaturation  = 0.9
	UnhealthySaturation = 1.0
)

// Report is the health of a single component
type Report struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Snapshot is the health of every registered component
type Snapshot struct {
	Status     Status    `json:"status"`
	Components []Report  `json:"components"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Checker reports on one or more components
type Checker func() []Report

// Registry holds the checkers of a running process
type Registry struct {
	checkers *xsync.MapOf[string, Checker]
	now      func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		checkers: xsync.NewMapOf[string, Checker](),
		now:      time.Now,
	}
}

// Register adds or replaces the checker named name
func (r *Registry) Register(name string, c Checker) {
	r.checkers.Store(name, c)
}

// Unregister removes a checker
func (r *Registry) Unregister(name string) {
	r.checkers.Delete(name)
}

// Check runs every checker. The overall status is the worst component status;
// an empty registry is healthy.
func (r *Registry) Check() Snapshot {
	var reports []Report
	r.checkers.Range(func(_ string, c Checker) bool {
		reports = append(reports, c()...)
		return true
	})
	sort.Slice(reports, func(i, j int) bool { return reports[i].Name < reports[j].Name })

	overall := Healthy
	for _, rep := range reports {
		overall = max(overall, rep.Status)
	}

	return Snapshot{Status: overall, Components: reports, CheckedAt: r.now().UTC()}
}

// Status returns only the overall status
func (r *Registry) Status() Status {
	return r.Check().Status
}

// ReaderStatus maps a reader state to a health status
func ReaderStatus(s cdc.State) Status {
	switch s {
	case cdc.Streaming:
		return Healthy
	case cdc.Connecting, cdc.Reconnecting:
		return Degraded
	}
	return Unhealthy
}

// BreakerStatus maps a breaker state to a health status
func BreakerStatus(s resilience.State) Status {
	switch s {
	case resilience.Closed:
		return Healthy
	case resilience.HalfOpen:
		return Degraded
	}
	return Unhealthy
}

// SaturationStatus maps queue saturation in [0, 1] to a health status
func SaturationStatus(s float64) Status {
	switch {
	case s >= UnhealthySaturation:
		return Unhealthy
	case s >= DegradedSaturation:
		return Degraded
	}
	return Healthy
}

// ReaderChecker reports the reader connection state
func ReaderChecker(state func() cdc.State) Checker {
	return func() []Report {
		s := state()
		return []Report{{Name: "reader", Status: ReaderStatus(s), Detail: s.String()}}
	}
}

// BreakerChecker reports every breaker in set, one component per dependency
func BreakerChecker(set *resilience.BreakerSet) Checker {
	return func() []Report {
		snap := set.Snapshot()
		reports := make([]Report, 0, len(snap))
		for name, s := range snap {
			reports = append(reports, Report{
				Name:   "breaker:" + name,
				Status: BreakerStatus(s),
				Detail: s.String(),
			})
		}
		return reports
	}
}

// PipelineChecker reports queue saturation
func PipelineChecker(saturation func() float64) Checker {
	return func() []Report {
		s := saturation()
		return []Report{{
			Name:   "pipeline",
			Status: SaturationStatus(s),
			Detail: fmt.Sprintf("saturation %.0f%%", s*100),
		}}
	}
}

// SpoolChecker reports dead letters waiting in the local spool. A non-empty
// spool means the dead-letter destination rejected deliveries.
func SpoolChecker(length func() (int, error)) Checker {
	return func() []Report {
		n, err := length()
		switch {
		case err != nil:
			return []Report{{Name: "spool", Status: Unhealthy, Detail: err.Error()}}
		case n > 0:
			return []Report{{Name: "spool", Status: Degraded, Detail: fmt.Sprintf("%d undelivered dead letters", n)}}
		}
		return []Report{{Name: "spool", Status: Healthy}}
	}
}

// Summary renders non-healthy components as one line for logs
func (s Snapshot) Summary() string {
	var parts []string
	for _, rep := range s.Components {
		if rep.Status != Healthy {
			parts = append(parts, fmt.Sprintf("%s=%s", rep.Name, rep.Status))
		}
	}
	if len(parts) == 0 {
		return s.Status.String()
	}
	return s.Status.String() + " (" + strings.Join(parts, ", ") + ")"
}
