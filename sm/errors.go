package sm

import (
	"fmt"

	"github.com/pingcap/errors"

	"github.com/emberdb-incubator/embersql/ais"
	"github.com/emberdb-incubator/embersql/session"
)

// ErrWrongTransactionService is returned when the schema manager is
// constructed over a transaction service it cannot drive the commit-or-retry
// protocol with.
var ErrWrongTransactionService = errors.New("schema manager requires the optimistic KV transaction service")

// AISTooLargeError is returned when a schema's serialized form exceeds the
// configured buffer cap. The DDL is aborted; nothing was written.
type AISTooLargeError struct {
	MaxSize int
}

func (e *AISTooLargeError) Error() string {
	return fmt.Sprintf("serialized AIS exceeds maximum size of %d bytes", e.MaxSize)
}

// QueryCanceledError is the surfaced form of a KV interruption observed while
// serving the given session.
type QueryCanceledError struct {
	Session *session.Session
}

func (e *QueryCanceledError) Error() string {
	return fmt.Sprintf("query canceled (session %d)", e.Session.ID())
}

// StoreUnavailableError wraps a non-transient KV store failure.
type StoreUnavailableError struct {
	Cause error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("key-value store unavailable: %v", e.Cause)
}

// ValidationError wraps a LiveAISValidations failure. The DDL was aborted
// before any write.
type ValidationError struct {
	Cause error
}

func (e *ValidationError) Error() string {
	return e.Cause.Error()
}

// InternalError reports an impossible state: an invariant the schema manager
// maintains did not hold, e.g. a corrupted generation key.
type InternalError struct {
	Message string
}

func (e *InternalError) Error() string {
	return "internal error: " + e.Message
}

func internalErrorf(format string, args ...interface{}) *InternalError {
	return &InternalError{Message: fmt.Sprintf(format, args...)}
}

func validationResultError(result ais.ValidationResult) error {
	if err := result.ThrowIfNecessary(); err != nil {
		return &ValidationError{Cause: err}
	}
	return nil
}
