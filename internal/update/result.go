package update

import "fmt"

// Status is the outcome of an update check.
type Status int

const (
	// NotConfigured means no update source is configured; nothing was checked.
	NotConfigured Status = iota
	// UpToDate means the source was checked and offers nothing newer.
	UpToDate
	// UpdateFound means the source offers a newer release, now pending install.
	UpdateFound
)

func (s Status) String() string {
	switch s {
	case NotConfigured:
		return "none-configured"
	case UpToDate:
		return "checked-none-found"
	case UpdateFound:
		return "checked-update-found"
	default:
		return fmt.Sprintf("status_%d", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnknownVersion is reported when the device does not state its version.
const UnknownVersion = "unknown"

// CheckResult is the outcome of CheckForUpdates.
type CheckResult struct {
	Status    Status `json:"status"`
	Available bool   `json:"available"`
	// Version is the offered version when an update was found, otherwise the
	// device's current version (or "unknown").
	Version       string `json:"version"`
	DeviceVersion string `json:"device_version"`
	LatestVersion string `json:"latest_version,omitempty"`
	Source        string `json:"source"`
}

// InstallResult is the outcome of InstallUpdate and Rollback. Failures are
// reported here, never as a returned error; Err keeps the typed cause.
type InstallResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Version string `json:"version,omitempty"`
	Err     error  `json:"-"`
}

// Install phases in the order they run.
const (
	PhaseBackup   = "backup"
	PhaseDownload = "download"
	PhasePrepare  = "prepare"
	PhaseTransfer = "transfer"
	PhaseVerify   = "verify"
	PhaseFlash    = "flash"
	PhaseDone     = "done"
)

// Progress reports how far an install has come within its current phase.
type Progress struct {
	Phase   string `json:"phase"`
	Percent int    `json:"percent"`
	Done    int64  `json:"done"`
	Total   int64  `json:"total"`
}

// ProgressFunc receives install progress. It must not block.
type ProgressFunc func(Progress)

func (f ProgressFunc) report(phase string, done, total int64) {
	if f == nil {
		return
	}
	p := Progress{Phase: phase, Done: done, Total: total}
	switch {
	case total > 0:
		p.Percent = int(done * 100 / total)
	case phase == PhaseDone:
		p.Percent = 100
	}
	if p.Percent > 100 {
		p.Percent = 100
	}
	f(p)
}

func failed(msg string, err error) InstallResult {
	return InstallResult{Success: false, Message: msg, Err: err}
}
