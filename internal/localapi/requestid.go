package localapi

import "github.com/google/uuid"

// newRequestID backs the default requestId for /sessions/launch when the
// caller omits one, matching §6's launch body shape.
func newRequestID() string {
	return uuid.NewString()
}
