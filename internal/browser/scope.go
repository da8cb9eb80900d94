package browser

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/xkilldash9x/marketwatch/internal/browser/stealth"
)

// PanicError wraps a panic recovered inside WithSession.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic in session scope: %v", p.Value)
}

// WithSession opens a session on engine, runs fn with it and always releases
// it afterwards, including when fn panics or ctx is already done. The release
// runs on a detached context bounded by closeTimeout.
//
// An error opening the session is returned as is; fn's error (or a
// *PanicError) is returned otherwise.
func WithSession(ctx context.Context, engine Engine, profile stealth.Profile, closeTimeout time.Duration, fn func(Session) error) (err error) {
	session, err := engine.OpenSession(ctx, profile)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}

		if closeTimeout <= 0 {
			closeTimeout = defaultSessionCloseTimeout
		}
		cleanupCtx, cancel := context.WithTimeout(Detach(ctx), closeTimeout)
		defer cancel()
		// A failed release is not the task's failure; the engine reaps it on Close.
		_ = session.Close(cleanupCtx)
	}()

	return fn(session)
}
