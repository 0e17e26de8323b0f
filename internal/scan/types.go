package scan

import (
	"errors"
	"time"

	"localscope/internal/model"
)

// Stage is the lifecycle position of the scan pipeline.
type Stage string

const (
	StageIdle      Stage = "idle"
	StageResolving Stage = "resolving"
	StageSweeping  Stage = "sweeping"
	StageParsing   Stage = "parsing"
	StageProbing   Stage = "probing"
	StageMerging   Stage = "merging"
	StageFailed    Stage = "failed"
)

// Busy reports whether a scan is in flight.
func (s Stage) Busy() bool {
	switch s {
	case StageResolving, StageSweeping, StageParsing, StageProbing, StageMerging:
		return true
	default:
		return false
	}
}

// Progress describes the state of the current or most recent scan.
type Progress struct {
	Stage    Stage     `json:"stage"`
	Fraction float64   `json:"fraction"`
	Message  string    `json:"message,omitempty"`
	Warning  string    `json:"warning,omitempty"`
	Error    string    `json:"error,omitempty"`
	Subnet   string    `json:"subnet,omitempty"`
	LocalIP  string    `json:"localIp,omitempty"`
	Devices  int       `json:"devices"`
	Services int       `json:"services"`
	Started  time.Time `json:"started,omitempty"`
	Updated  time.Time `json:"updated"`
}

// Snapshot is a point-in-time view of the working device set and progress.
type Snapshot struct {
	Progress Progress       `json:"progress"`
	Devices  []model.Device `json:"devices"`
}

// Progress milestones. Sweeping and probing interpolate between their bounds.
const (
	fractionResolving  = 0.05
	fractionSweepEnd   = 0.50
	fractionParsing    = 0.70
	fractionProbingEnd = 0.90
	fractionMerging    = 0.95
	fractionDone       = 1.0
)

var (
	// ErrScanInProgress indicates a scan is already running.
	ErrScanInProgress = errors.New("scan already in progress")
	// ErrNoActiveScan indicates there is no running scan to control.
	ErrNoActiveScan = errors.New("no active scan")
	// ErrNoActiveInterface indicates no usable interface carries an IPv4 address.
	ErrNoActiveInterface = errors.New("no active network interface")
	// ErrSubnetExtraction indicates the local address could not be reduced to a /24 prefix.
	ErrSubnetExtraction = errors.New("cannot extract subnet")
)
