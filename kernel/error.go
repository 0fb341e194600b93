package kernel

// ErrorKind classifies kernel errors so that boot code can tell apart a bad
// configuration from resource exhaustion or a CPU fault.
type ErrorKind uint8

// The supported error kinds.
const (
	// KindInvariant marks an internal consistency violation.
	KindInvariant ErrorKind = iota

	// KindConfig marks an invalid boot parameter, memory map or constant.
	KindConfig

	// KindExhausted marks the depletion of a finite resource (frames,
	// heap space, process table slots).
	KindExhausted

	// KindFault marks an unrecoverable CPU exception.
	KindFault
)

// String implements fmt.Stringer for ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindExhausted:
		return "exhausted"
	case KindFault:
		return "fault"
	default:
		return "invariant"
	}
}

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the Go allocator may not be available to us when the
// error is raised so we cannot use errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// The error class.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
