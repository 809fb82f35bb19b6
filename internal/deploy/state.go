package deploy

// State names one stage of the deployment pipeline. Terminal states are
// Done, Failed and Cancelled; everything else is a stage the run passes
// through in order.
type State string

const (
	StateIdle           State = "Idle"
	StateChecking       State = "Checking"
	StateDownloading    State = "Downloading"
	StateDecidingBackup State = "DecidingBackup"
	StateStopping       State = "Stopping"
	StateBackingUp      State = "BackingUp"
	StateExtracting     State = "Extracting"
	StateLoadingImages  State = "LoadingImages"
	StatePreflighting   State = "Preflighting"
	StateStarting       State = "Starting"
	StateVerifying      State = "Verifying"
	StateDone           State = "Done"
	StateFailed         State = "Failed"
	StateCancelled      State = "Cancelled"
)

// Outcome is the result of one pipeline run.
type Outcome struct {
	State     State // terminal state
	LastStage State // last stage entered before the terminal state

	FromVersion string
	ToVersion   string

	UpToDate      bool   // no update was available
	BackupSkipped bool   // first install, nothing to protect
	BackupID      string // backup taken during this run
	// RecoveryBackupID points at the newest live backup when a failure
	// happened after the on-disk layout began mutating. Restoring it is a
	// manual, operator-confirmed action; the engine never does it
	// automatically.
	RecoveryBackupID string

	Degraded bool // started but health verification timed out
	Err      error

	mutated bool
}
