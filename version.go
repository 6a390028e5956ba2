// Package conductor identifies the supervisor's release metadata, shared
// by cmd/conductor's version command and audit entries.
package conductor

// Version information for the supervisor binary.
const (
	// Version is the current supervisor version.
	Version = "development"

	// ProtocolVersion identifies the persisted state schema and task JSON
	// contract this build understands.
	ProtocolVersion = "v1"

	// BuildDate is set during build time via -ldflags.
	BuildDate = "development"

	// GitCommit is set during build time via -ldflags.
	GitCommit = "unknown"
)
