package exec

import (
	"io"

	"github.com/grailbio/base/status"

	"github.com/Mshaffar/kexec/log"
)

// Config configures one call to Execute. The zero Config is usable:
// logging is off and no debug graph is written.
type Config struct {
	// Log is an (optional) logger to which firing-loop transitions are
	// printed at DebugLevel.
	Log *log.Logger

	// DotWriter is an (optional) writer that receives the executed
	// function's kernel dependency graph in dot format once the
	// firing loop reaches a fixpoint.
	DotWriter io.Writer

	// Status, if non-nil, receives a task reporting overall progress
	// of the execution (kernels fired so far).
	Status *status.Group
}
