package cos

import (
	"os"

	"github.com/sirikata/spaced/cmn/nlog"
)

// ExitLogf logs a fatal startup error and terminates the process with
// code, flushing the logger first so the message isn't lost to a
// buffered, unflushed write. Used at config-load and init failures in
// cmd/spaced.
func ExitLogf(code int, format string, args ...any) {
	nlog.Errorf(format, args...)
	nlog.Flush(true)
	os.Exit(code)
}
