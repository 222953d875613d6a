package rotation

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRefreshCredential = errors.New("invalid refresh credential")
	ErrUnknownRefreshCredential = errors.New("unknown refresh credential")
	ErrReuseDetected            = errors.New("refresh credential reuse detected")
	ErrRetryOfRotatedCredential = errors.New("refresh credential already rotated")
	ErrStoreUnavailable         = errors.New("credential store unavailable")
)

// ReuseError carries the details of a theft signal. It matches
// ErrReuseDetected under errors.Is.
type ReuseError struct {
	SubjectID  string
	RotationID string
	Reason     string
	Revoked    int64
}

func (e *ReuseError) Error() string {
	return fmt.Sprintf("%s: subject %s, rotation %s (%s)", ErrReuseDetected, e.SubjectID, e.RotationID, e.Reason)
}

func (e *ReuseError) Unwrap() error {
	return ErrReuseDetected
}

func storeFailure(op string, err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
