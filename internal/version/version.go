package version

// Build-time variables injected via -ldflags. These describe the engine
// itself, not the deployed service bundle (which is tracked in the store).
var (
	Version = "dev"
	Commit  = "unknown"
)
