package models

import "time"

// ResultType distinguishes what a ScriptSet records.
type ResultType string

const (
	ResultCommissioning ResultType = "commissioning"
	ResultTesting       ResultType = "testing"
	ResultInstallation  ResultType = "installation"
)

// ScriptStatus is the outcome of a single script.
type ScriptStatus string

const (
	ScriptPending ScriptStatus = "pending"
	ScriptRunning ScriptStatus = "running"
	ScriptPassed  ScriptStatus = "passed"
	ScriptFailed  ScriptStatus = "failed"
)

// ScriptSet is one run of commissioning, testing or installation scripts
// against a machine. Sets are kept per machine and per type, newest first,
// and older sets are pruned beyond a configured maximum.
type ScriptSet struct {
	ID         string     `json:"id"`
	SystemID   string     `json:"system_id"`
	ResultType ResultType `json:"result_type"`

	// PowerStateBeforeTransition is restored when the run is aborted
	PowerStateBeforeTransition PowerState `json:"power_state_before_transition"`

	Results []ScriptResult `json:"results"`
	Created time.Time      `json:"created"`
	Ended   *time.Time     `json:"ended,omitempty"`
}

// ScriptResult is the outcome of one script within a set.
type ScriptResult struct {
	Name       string       `json:"name"`
	Status     ScriptStatus `json:"status"`
	ExitStatus int          `json:"exit_status"`
}

// Finished reports whether every script has a final status.
func (s *ScriptSet) Finished() bool {
	for _, r := range s.Results {
		if r.Status == ScriptPending || r.Status == ScriptRunning {
			return false
		}
	}
	return true
}

// Passed reports whether every script passed.
func (s *ScriptSet) Passed() bool {
	for _, r := range s.Results {
		if r.Status != ScriptPassed {
			return false
		}
	}
	return true
}
