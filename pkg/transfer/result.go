package transfer

// Result is the outcome of a transfer.
type Result int

const (
	Succeed Result = iota
	CommunicationError
	FileNotFound
	MD5Failed
	MoveFailed
	NoNeedDownload
	Abort
)

func (r Result) String() string {
	switch r {
	case Succeed:
		return "Succeed"
	case CommunicationError:
		return "CommunicationError"
	case FileNotFound:
		return "FileNotFound"
	case MD5Failed:
		return "MD5Failed"
	case MoveFailed:
		return "MoveFailed"
	case NoNeedDownload:
		return "NoNeedDownload"
	case Abort:
		return "Abort"
	default:
		return "Unknown"
	}
}

// Error carries the result of a failed transfer and its cause.
type Error struct {
	Result Result
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "transfer: " + e.Result.String()
	}
	return "transfer: " + e.Result.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func fail(r Result, err error) (Result, error) {
	return r, &Error{Result: r, Err: err}
}
