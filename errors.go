package smux

import "github.com/pkg/errors"

// Sentinel errors returned by the codec. They are comparable with
// errors.Is; wrapped I/O failures carry additional context via
// github.com/pkg/errors.
var (
	// ErrBufferTooSmall is returned by NewCodec, wrapped in a
	// ConfigError, when either requested ring size is below 16 bytes.
	ErrBufferTooSmall = errors.New("smux: ring buffer size must be >= 16")

	// ErrShortFrame signals that the decoder saw the start of an escape
	// or channel-switch sequence but not enough trailing bytes to
	// resolve it yet. No codec function returns it: Recv handles that
	// condition by rewinding and waiting for more bytes.
	ErrShortFrame = errors.New("smux: short frame, more bytes needed")
)

// ConfigError reports a problem with static configuration: an invalid
// channel id, a buffer smaller than the protocol minimum, an unknown
// file type, or malformed file arguments. It is always fatal at
// startup.
type ConfigError struct {
	msg string
	err error
}

func NewConfigError(msg string) *ConfigError {
	return &ConfigError{msg: msg}
}

func WrapConfigError(err error, msg string) *ConfigError {
	return &ConfigError{msg: msg, err: err}
}

func (e *ConfigError) Error() string {
	if e.err != nil {
		return "smux: config error: " + e.msg + ": " + e.err.Error()
	}
	return "smux: config error: " + e.msg
}

func (e *ConfigError) Unwrap() error { return e.err }

// SystemError wraps a failure returned by an underlying read, write,
// open or wait syscall. It is fatal for the master half-channel and
// isolates a single half-channel otherwise (see the rt package).
type SystemError struct {
	msg string
	err error
}

func NewSystemError(msg string, err error) *SystemError {
	return &SystemError{msg: msg, err: err}
}

func (e *SystemError) Error() string {
	if e.err != nil {
		return "smux: system error: " + e.msg + ": " + e.err.Error()
	}
	return "smux: system error: " + e.msg
}

func (e *SystemError) Unwrap() error { return e.err }
