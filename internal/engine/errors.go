package engine

import "errors"

var (
	// ErrEmbeddingUnavailable is returned when the embedder is unreachable,
	// failed, or exceeded its deadline.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrScoringFailure is returned when the scorer failed, timed out, or
	// produced an out-of-bound or malformed score.
	ErrScoringFailure = errors.New("scoring failure")

	// ErrRegistryUnavailable is returned when the isolation registry or its
	// backing store cannot be read or written.
	ErrRegistryUnavailable = errors.New("isolation registry unavailable")

	// ErrInvalidMessage is a caller error: the message is rejected without
	// a verdict and never reaches the availability policy.
	ErrInvalidMessage = errors.New("invalid message")
)

// FailureKind classifies an engine failure for the availability policy.
type FailureKind string

const (
	FailureNone                 FailureKind = ""
	FailureEmbeddingUnavailable FailureKind = "embedding_unavailable"
	FailureScoringFailure       FailureKind = "scoring_failure"
	FailureRegistryUnavailable  FailureKind = "registry_unavailable"
)

// ClassifyFailure maps an error from the decision pipeline to its kind.
// Unrecognised errors are treated as a scoring failure.
func ClassifyFailure(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrEmbeddingUnavailable):
		return FailureEmbeddingUnavailable
	case errors.Is(err, ErrRegistryUnavailable):
		return FailureRegistryUnavailable
	default:
		return FailureScoringFailure
	}
}
