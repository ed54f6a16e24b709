// Package packaging turns the files of a job into a bag. A Provider does
// the work for one packaging attempt and reports it as a result record,
// sending progress events to the host along the way.
package packaging

import (
	"context"

	"github.com/ndlib/bagship/jobs"
)

// Description is the static metadata a provider shows to a host.
type Description struct {
	Name        string
	Description string
	Version     string
	Format      string
	MIMEType    string
}

// A Provider packages the files of a job according to the job's profile.
//
// PackageFiles makes one attempt. It never returns a nil result, and every
// failure is reported in the result rather than as a panic. The job must
// have a profile. On success the job's package path is set before
// PackageFiles returns. It must not be called for the same job from more
// than one goroutine at a time.
type Provider interface {
	Describe() Description
	PackageFiles(ctx context.Context, job *jobs.Job, events EventFunc) *jobs.OperationResult
}

// EventType names a step in a packaging attempt.
type EventType int

// Events are sent in this order: Start; FileAddStart, FileProgress and
// FileAddComplete for each file; PackageStart; PackageComplete;
// ValidateStart; ValidateComplete; then exactly one of Complete or Error.
// Warning may be sent at any time.
const (
	Start EventType = iota
	FileAddStart
	FileProgress
	FileAddComplete
	PackageStart
	PackageComplete
	ValidateStart
	ValidateComplete
	Warning
	Error
	Complete
)

var eventNames = []string{
	Start:            "start",
	FileAddStart:     "fileAddStart",
	FileProgress:     "fileProgress",
	FileAddComplete:  "fileAddComplete",
	PackageStart:     "packageStart",
	PackageComplete:  "packageComplete",
	ValidateStart:    "validateStart",
	ValidateComplete: "validateComplete",
	Warning:          "warning",
	Error:            "error",
	Complete:         "complete",
}

func (t EventType) String() string {
	if t < 0 || int(t) >= len(eventNames) {
		return "unknown"
	}
	return eventNames[t]
}

// Event is one progress report. Path is set for the file events, Bytes for
// FileProgress, and Message for Warning and Error. Complete carries the path
// of the finished package.
type Event struct {
	Type    EventType
	Path    string
	Bytes   int64
	Message string
}

// EventFunc receives progress events. It is called synchronously from the
// goroutine doing the packaging, so it should not block for long. A nil
// EventFunc discards the events.
type EventFunc func(Event)

func (f EventFunc) emit(e Event) {
	if f != nil {
		f(e)
	}
}
