package history

import (
	"errors"
	"fmt"
)

// ErrPersistence is matched by every PersistenceError.
var ErrPersistence = errors.New("history persistence failed")

// PersistenceError reports a failed backend operation. The in-memory history
// is unaffected when one is returned.
type PersistenceError struct {
	Op   string // load, save or clear
	Path string // file path or backend name
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("history %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("history %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}
