package model

import (
	"fmt"
	"maps"
	"time"
)

// RoleHint tells the supervisor what kind of workload an executable is,
// when the caller knows. RoleGeneric lets the classifier decide from the
// file name alone.
type RoleHint int

const (
	RoleGeneric RoleHint = iota
	RoleInstaller
	RoleInteractive
)

func (r RoleHint) String() string {
	switch r {
	case RoleInstaller:
		return "installer"
	case RoleInteractive:
		return "interactive"
	default:
		return "generic"
	}
}

func ParseRole(s string) (RoleHint, error) {
	switch s {
	case "installer":
		return RoleInstaller, nil
	case "interactive":
		return RoleInteractive, nil
	case "generic", "":
		return RoleGeneric, nil
	default:
		return RoleGeneric, fmt.Errorf("unknown role %q", s)
	}
}

// LaunchRequest describes one translated Windows executable to run.
// The supervisor copies Args and Env on submit, so the caller may reuse
// the request.
type LaunchRequest struct {
	ExecutablePath string
	Args           []string
	Env            map[string]string
	WorkingDir     string
	Role           RoleHint
}

func (r LaunchRequest) Clone() LaunchRequest {
	out := r
	out.Args = append([]string(nil), r.Args...)
	out.Env = maps.Clone(r.Env)
	return out
}

// ProcessResult is the terminal report for one launch. Output holds the
// trailing portion of the combined stdout+stderr stream; the full stream is
// forwarded to the caller's sink as it arrives.
type ProcessResult struct {
	ExitCode       int
	Output         []byte
	TimedOut       bool
	ResourceKilled bool
}

// ResourceSnapshot is a best-effort view of system CPU load. A zero
// CPUPercent means "unknown, assume permissive", not "idle".
type ResourceSnapshot struct {
	CPUPercent float64
	SampledAt  time.Time
}

// ProcessInfo is one active supervised process in the Stats report.
type ProcessInfo struct {
	PID       int
	Role      RoleHint
	StartedAt time.Time
	Deadline  time.Time
}

// Stats is the diagnostics view exposed to the UI layer.
type Stats struct {
	CPUPercent      float64
	ActiveProcesses int
	Processes       []ProcessInfo
}
