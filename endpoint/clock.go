package endpoint

import "time"

// timeNow is a hook for deterministic tests.
var timeNow = time.Now
