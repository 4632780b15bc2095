package redeem

import (
	"errors"
	"fmt"
)

// Sentinel errors of the redeem engine.
var (
	// ErrNoTokenAvailable is returned when redeeming via the task repository
	// without a valid access token.
	ErrNoTokenAvailable = errors.New("no valid token available")
	// ErrMissingAVSEndpoint is returned when an order lacks the AVS endpoint
	// for the selected redeem option.
	ErrMissingAVSEndpoint = errors.New("missing AVS endpoint for redeem option")
	// ErrMissingAVSCertificate is returned when no recipient certificates are
	// available for AVS encryption.
	ErrMissingAVSCertificate = errors.New("missing AVS recipient certificate")
	// ErrMissingTelematikID is returned when the target pharmacy id is absent.
	ErrMissingTelematikID = errors.New("missing telematik id")
	// ErrNoService is returned when no transport is resolved for a pharmacy.
	ErrNoService = errors.New("no redeem service available for pharmacy")
	// ErrUnexpectedHTTPStatus is returned when an AVS endpoint answers
	// outside the 2xx range without a transport error.
	ErrUnexpectedHTTPStatus = errors.New("unexpected http status code")
	// ErrIDMismatch is returned when a response cannot be matched to a
	// request of the running submission.
	ErrIDMismatch = errors.New("response does not match any order of this submission")
	// ErrRedeemInProgress is returned when a redeem is started while a
	// previous submission of the same flow is still in flight.
	ErrRedeemInProgress = errors.New("redeem already in progress")
)

// InvalidInputError reports contact data rejected by the input validator.
// It is raised before any network activity.
type InvalidInputError struct {
	Message string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid redeem input: %s", e.Message)
}

// AlreadyRedeemedError reports tasks the repository rejected because they
// were redeemed before. The caller may drop them and retry the remainder.
type AlreadyRedeemedError struct {
	TaskIDs []string
}

func (e *AlreadyRedeemedError) Error() string {
	return fmt.Sprintf("%d prescription(s) already redeemed", len(e.TaskIDs))
}

// TransportError wraps a batch-level failure of the underlying channel. No
// partial response set exists when it is returned.
type TransportError struct {
	Channel ServiceOption
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("redeem via %s failed: %v", e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
