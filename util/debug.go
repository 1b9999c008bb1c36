package util

import (
	"os"
)

var debug = os.Getenv("CASHMLP_DEBUG") != ""

// SetDebug turns verbose tracing on or off.
func SetDebug(on bool) {
	debug = on
}

func Debugf(format string, args ...interface{}) {
	if debug {
		Logger.Printf(format, args...)
	}
}
