package service

import "errors"

var (
	// ErrInvalidClientID is returned when client ID is empty.
	ErrInvalidClientID = errors.New("invalid client id")

	// ErrInvalidRequestID is returned when request ID is empty.
	ErrInvalidRequestID = errors.New("invalid request id")

	// ErrInvalidDriverID is returned when driver ID is empty.
	ErrInvalidDriverID = errors.New("invalid driver id")

	// ErrInvalidKind is returned for an unknown request kind.
	ErrInvalidKind = errors.New("invalid request kind")

	// ErrInvalidVehicleClass is returned for an unknown vehicle class.
	ErrInvalidVehicleClass = errors.New("invalid vehicle class")

	// ErrInvalidPrice is returned when the proposed price is not positive or above the cap.
	ErrInvalidPrice = errors.New("invalid proposed price")

	// ErrInvalidLocation is returned when coordinates are out of range.
	ErrInvalidLocation = errors.New("invalid location")

	// ErrInvalidRating is returned when a driver rating is outside 0..5.
	ErrInvalidRating = errors.New("invalid driver rating")

	// ErrNoActiveSession is returned when a request has no open negotiation.
	ErrNoActiveSession = errors.New("request has no active negotiation")

	// ErrRequestNotDispatchable is returned when a request is negotiating or terminal.
	ErrRequestNotDispatchable = errors.New("request cannot be dispatched in current state")

	// ErrRequestNotCancellable is returned when a request already reached a final outcome.
	ErrRequestNotCancellable = errors.New("request cannot be cancelled in current state")

	// ErrPersistenceFatal is returned when an accepted match could not be stored
	// after all retries. The request is failed and operations is alerted.
	ErrPersistenceFatal = errors.New("persistence failed after retries")
)

// Failure reasons recorded on failed requests and carried by DispatchFailed.
const (
	FailureNoCandidatesExhausted = "NO_CANDIDATES_EXHAUSTED"
	FailurePersistenceFatal      = "PERSISTENCE_FATAL"
)
