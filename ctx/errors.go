package ctx

type ctxErr struct{ msg string }

func (err *ctxErr) Error() string {
	return err.msg
}

// Errors
var (
	// ErrCtxNotRunning means the Context was never started or has stopped.
	ErrCtxNotRunning = &ctxErr{"context not running"}
)
