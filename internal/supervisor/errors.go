package supervisor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStopTimeout means a killed worker did not confirm its exit in time.
var ErrStopTimeout = errors.New("worker did not exit in time")

// SpawnError reports that the worker process could not be started at all.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// NonZeroExitError is returned by SpawnOnce when the worker exits unsuccessfully.
type NonZeroExitError struct {
	Args   []string
	Code   int
	Output []byte
	Stderr []byte
}

func (e *NonZeroExitError) Error() string {
	msg := strings.TrimSpace(string(e.Stderr))
	if msg == "" {
		msg = strings.TrimSpace(string(e.Output))
	}
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	sub := ""
	if len(e.Args) > 0 {
		sub = e.Args[0] + " "
	}
	if msg == "" {
		return fmt.Sprintf("worker %sexited with code %d", sub, e.Code)
	}
	return fmt.Sprintf("worker %sexited with code %d: %s", sub, e.Code, msg)
}
