package gcpmonitor

import "net/http"

// permanentStatusCodes indicate a configuration problem (bad credentials,
// missing resource) rather than a transient upstream fault. These are
// re-raised to the caller instead of collapsing to UNKNOWN.
var permanentStatusCodes = map[int]bool{
	http.StatusForbidden: true,
	http.StatusNotFound:  true,
}

// transientStatusCodes are known-recoverable upstream faults. The retry
// engine will already have exhausted its attempts by the time this
// classification runs; they map to UNKNOWN for probes.
var transientStatusCodes = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

func isPermanentStatus(code int) bool {
	return permanentStatusCodes[code]
}
