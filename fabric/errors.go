package fabric

// classError is a sentinel that can sit below a broader class, so
// errors.Is(ErrShapeMismatch, ErrConfiguration) holds.
type classError struct {
	msg    string
	parent error
}

func (e *classError) Error() string { return e.msg }

func (e *classError) Unwrap() error { return e.parent }

// Error taxonomy shared by every package in the module. Wrap these with
// errors.Wrapf so callers can classify failures with errors.Is.
var (
	// ErrConfiguration covers grid/dimension mismatches, undeclared channels,
	// missing artifact files and unknown entry points.
	ErrConfiguration error = &classError{msg: "configuration error"}

	// ErrShapeMismatch is a configuration error raised when a global dimension
	// is not evenly divisible by the grid dimension it is partitioned across.
	ErrShapeMismatch error = &classError{msg: "shape mismatch", parent: ErrConfiguration}

	// ErrSizeMismatch means a transfer's element count disagrees with
	// region size × elements per PE.
	ErrSizeMismatch error = &classError{msg: "size mismatch"}

	// ErrInvalidState is returned for operations issued outside the session
	// state that permits them.
	ErrInvalidState error = &classError{msg: "invalid state"}

	// ErrDeviceBusy is an invalid-state error: the runtime target is already
	// owned by another session.
	ErrDeviceBusy error = &classError{msg: "device busy", parent: ErrInvalidState}

	// ErrVerification reports results outside tolerance of the reference.
	ErrVerification error = &classError{msg: "verification failure"}
)
