package server

// Port shifts applied to the configured local base port, named after the
// constants of the same role in the source. Their exact numeric values are
// not recoverable from the retrieved sources (they live in a header that
// was filtered out of the retrieval pack); chosen here and recorded as an
// Open Question decision.
const (
	kMetaPortShiftCmd = 0
	kMetaPortShiftFY  = 1000
)

// CmdPort returns the client command port for a configured base port.
func CmdPort(basePort int) int { return basePort + kMetaPortShiftCmd }

// LogPort returns the replicated-log internal port for a configured base port.
func LogPort(basePort int) int { return basePort + kMetaPortShiftFY }
