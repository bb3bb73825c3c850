package orchestrator

import "errors"

// ErrNoCapableWorker indicates a submitted request requires a capability
// no registered worker declares. The session fails fast and nothing is
// published to any worker.
var ErrNoCapableWorker = errors.New("no capable worker")

// ErrUnknownSession indicates a status or result query for a session ID
// the orchestrator never issued.
var ErrUnknownSession = errors.New("unknown session")

// ErrClosed indicates the orchestrator has been shut down.
var ErrClosed = errors.New("orchestrator closed")
