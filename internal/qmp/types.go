package qmp

const (
	bytesPerMB = 1048576
	bytesPerKB = 1024
)

// MigrationStatus is the closed set of migration states
// reported by the hypervisor.
type MigrationStatus int

const (
	MigrationNone MigrationStatus = iota
	MigrationSetup
	MigrationActive
	MigrationPreSwitchover
	MigrationDevice
	MigrationPostcopyActive
	MigrationCompleted
	MigrationFailed
	MigrationCancelling
	MigrationCancelled
	MigrationWaitUnplug
)

var migrationStatusNames = map[string]MigrationStatus{
	"none":            MigrationNone,
	"setup":           MigrationSetup,
	"active":          MigrationActive,
	"pre-switchover":  MigrationPreSwitchover,
	"device":          MigrationDevice,
	"postcopy-active": MigrationPostcopyActive,
	"completed":       MigrationCompleted,
	"failed":          MigrationFailed,
	"cancelling":      MigrationCancelling,
	"cancelled":       MigrationCancelled,
	"wait-unplug":     MigrationWaitUnplug,
}

// ParseMigrationStatus maps a wire status string to the enum.
// Unknown strings map to MigrationNone with ok == false.
func ParseMigrationStatus(s string) (MigrationStatus, bool) {
	if v, ok := migrationStatusNames[s]; ok {
		return v, true
	}

	return MigrationNone, false
}

func (s MigrationStatus) String() string {
	for name, v := range migrationStatusNames {
		if v == s {
			return name
		}
	}

	return "none"
}

// StatusInfo represents a guest running status (query-status).
type StatusInfo struct {
	Running bool   `json:"running"`
	Status  string `json:"status"`
}

// migrationInfo is the raw query-migrate response shape.
// Every field is optional on the wire and defaults to zero.
type migrationInfo struct {
	Status           string `json:"status"`
	TotalTime        uint64 `json:"total-time"`
	Downtime         uint64 `json:"downtime"`
	SetupTime        uint64 `json:"setup-time"`
	ExpectedDowntime uint64 `json:"expected-downtime"`
	ErrDesc          string `json:"error-desc"`
	Ram              struct {
		Transferred    uint64  `json:"transferred"`
		Remaining      uint64  `json:"remaining"`
		Total          uint64  `json:"total"`
		Duplicate      uint64  `json:"duplicate"`
		Normal         uint64  `json:"normal"`
		NormalBytes    uint64  `json:"normal-bytes"`
		DirtyPagesRate uint64  `json:"dirty-pages-rate"`
		Mbps           float64 `json:"mbps"`
		DirtySyncCount uint64  `json:"dirty-sync-count"`
		PageSize       uint64  `json:"page-size"`
	} `json:"ram"`
}

// MigrationStats is the converted, caller-facing view of a
// query-migrate response. RAM counters are in megabytes.
type MigrationStats struct {
	Status MigrationStatus

	TotalTimeMs        uint64
	DowntimeMs         uint64
	SetupTimeMs        uint64
	ExpectedDowntimeMs uint64

	RamTransferredMB float64
	RamRemainingMB   float64
	RamTotalMB       float64
	RamDuplicateMB   float64
	RamNormalMB      float64

	RamSpeedMbps   float64
	DirtyPagesRate uint64
	DirtySyncCount uint64
	PageSizeKB     float64

	TransferredBytes uint64
	TotalBytes       uint64

	ErrDesc string
}

func newMigrationStats(st MigrationStatus, mi *migrationInfo) *MigrationStats {
	return &MigrationStats{
		Status:             st,
		TotalTimeMs:        mi.TotalTime,
		DowntimeMs:         mi.Downtime,
		SetupTimeMs:        mi.SetupTime,
		ExpectedDowntimeMs: mi.ExpectedDowntime,
		RamTransferredMB:   float64(mi.Ram.Transferred) / bytesPerMB,
		RamRemainingMB:     float64(mi.Ram.Remaining) / bytesPerMB,
		RamTotalMB:         float64(mi.Ram.Total) / bytesPerMB,
		RamDuplicateMB:     float64(mi.Ram.Duplicate) / bytesPerMB,
		RamNormalMB:        float64(mi.Ram.Normal) / bytesPerMB,
		RamSpeedMbps:       mi.Ram.Mbps,
		DirtyPagesRate:     mi.Ram.DirtyPagesRate,
		DirtySyncCount:     mi.Ram.DirtySyncCount,
		PageSizeKB:         float64(mi.Ram.PageSize) / bytesPerKB,
		TransferredBytes:   mi.Ram.Transferred,
		TotalBytes:         mi.Ram.Total,
		ErrDesc:            mi.ErrDesc,
	}
}

// CalculateProgress returns the RAM transfer progress in percent,
// clamped to [0, 100]. A zero total yields 0 instead of an error.
func CalculateProgress(st *MigrationStats) float64 {
	if st == nil || st.RamTotalMB == 0 {
		return 0
	}

	pct := st.RamTransferredMB / st.RamTotalMB * 100

	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}

	return pct
}

// IsMigrationComplete reports whether the status denotes
// a successfully finished migration.
func IsMigrationComplete(st *MigrationStats) bool {
	return st != nil && st.Status == MigrationCompleted
}

// IsMigrationFailed reports whether the status denotes
// a failed migration.
func IsMigrationFailed(st *MigrationStats) bool {
	return st != nil && st.Status == MigrationFailed
}
