package endpoint

import (
	"fmt"
	"os"
)

var debugEnabled bool = false

func init() {
	if os.Getenv("TALON_ENDPOINT_DEBUG") != "" {
		debugEnabled = true
	}
}

//nolint[:deadcode,unused]
func debugf(format string, args ...interface{}) {
	if debugEnabled {
		fmt.Fprintf(os.Stderr, "endpoint: %s\n", fmt.Sprintf(format, args...))
	}
}
