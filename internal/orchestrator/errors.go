package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/koschei/pkg/memory"
)

var (
	// ErrInvalidInput marks a request the caller must fix before retrying.
	ErrInvalidInput = errors.New("orchestrator: invalid input")

	// ErrEmptyPlayerText is returned by GenerateReply for blank player text.
	ErrEmptyPlayerText = fmt.Errorf("%w: player text is empty", ErrInvalidInput)

	// ErrGenerationUnavailable is returned when the LLM call fails for any
	// reason other than the generation deadline.
	ErrGenerationUnavailable = errors.New("orchestrator: generation unavailable")

	// ErrGenerationTimeout is returned when the LLM call does not finish
	// within the configured generation timeout. A deadline set by the caller
	// is reported as the bare context error instead.
	ErrGenerationTimeout = errors.New("orchestrator: generation timed out")
)

// Failure kinds reported by [Kind]. They double as metric status values and
// façade error codes.
const (
	KindOK                    = "ok"
	KindInvalidRequest        = "invalid_request"
	KindStorageUnavailable    = "storage_unavailable"
	KindSchemaConflict        = "schema_conflict"
	KindGenerationUnavailable = "generation_unavailable"
	KindGenerationTimeout     = "generation_timeout"
	KindCanceled              = "canceled" // the caller gave up
	KindInternal              = "internal"
)

// Kind classifies err into one of the Kind constants. A nil error is
// [KindOK].
func Kind(err error) string {
	switch {
	case err == nil:
		return KindOK
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, memory.ErrInvalidPartition),
		errors.Is(err, memory.ErrInvalidK):
		return KindInvalidRequest
	case errors.Is(err, ErrGenerationTimeout):
		return KindGenerationTimeout
	case errors.Is(err, ErrGenerationUnavailable):
		return KindGenerationUnavailable
	case errors.Is(err, memory.ErrSchemaConflict):
		return KindSchemaConflict
	case errors.Is(err, memory.ErrStorageUnavailable):
		return KindStorageUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}
