// Package taskerr defines the tagged error shape that every compute-party
// collaborator raises, and the Task Manager catches at its outermost frame.
package taskerr

import "fmt"

// Kind classifies a Process error per the three kinds in the error handling
// design: bad client input, a cryptographic/integrity failure, or an
// infrastructure failure (subprocess, disk, upstream HTTP).
type Kind int

const (
	KindClient Kind = iota
	KindIntegrity
	KindInfrastructure
)

// Process is the tagged exception every component raises on failure. Code is
// the HTTP-equivalent status to project to the caller (or to persist into a
// status record as "ERROR:<code>:<message>").
type Process struct {
	AnalysisIDs []string
	Code        int
	Message     string
	Kind        Kind
}

func (e *Process) Error() string {
	return fmt.Sprintf("code %d: %s", e.Code, e.Message)
}

// Client builds a KindClient Process error (HTTP 4xx family, caller's fault).
func Client(code int, format string, args ...any) *Process {
	return &Process{Code: code, Message: fmt.Sprintf(format, args...), Kind: KindClient}
}

// Integrity builds a KindIntegrity Process error (OAEP/AES-GCM tag mismatch,
// out-of-window streaming decrypt). Always fatal for the whole batch.
func Integrity(format string, args ...any) *Process {
	return &Process{Code: 500, Message: fmt.Sprintf(format, args...), Kind: KindIntegrity}
}

// Infra builds a KindInfrastructure Process error (subprocess, disk, Obelisk
// non-2xx, token refresh failure). code is the upstream HTTP code when known,
// else 500.
func Infra(code int, format string, args ...any) *Process {
	if code == 0 {
		code = 500
	}
	return &Process{Code: code, Message: fmt.Sprintf(format, args...), Kind: KindInfrastructure}
}

// WithAnalysisIDs attaches the batch's analysis ids, mirroring
// ProcessException(analysis_ids, code, message) from spec.md §7.
func (e *Process) WithAnalysisIDs(ids []string) *Process {
	e.AnalysisIDs = ids
	return e
}

// StatusString renders the error the way it is persisted in the status
// store: "ERROR:<code>:<message>".
func (e *Process) StatusString() string {
	return fmt.Sprintf("ERROR:%d:%s", e.Code, e.Message)
}
