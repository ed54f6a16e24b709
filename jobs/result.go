package jobs

import (
	"encoding/json"
	"time"
)

// Operation names the stage an OperationResult records.
type Operation string

const (
	Bagging Operation = "Bagging"
	Storage Operation = "Storage"
)

// OperationResult records one attempt at packaging a job or at storing its
// package to one destination. A zero time means the event has not happened.
type OperationResult struct {
	Operation     Operation
	Destination   string // for Storage results
	Filename      string
	AttemptNumber int
	Started       time.Time
	Completed     time.Time
	Succeeded     bool
	Info          string
	Warning       string
	Error         string
	ErrorKind     ErrorKind
}

// NewResult returns a result for the first attempt at op.
func NewResult(op Operation, filename string) *OperationResult {
	return &OperationResult{Operation: op, Filename: filename}
}

// Reset clears the outcome of an attempt so the result can be reused for the
// next one. Operation, Destination, Filename and AttemptNumber are kept; the
// caller bumps AttemptNumber.
func (r *OperationResult) Reset() {
	r.Started = time.Time{}
	r.Completed = time.Time{}
	r.Succeeded = false
	r.Info = ""
	r.Warning = ""
	r.Error = ""
	r.ErrorKind = NoError
}

// Start marks the attempt as started at time t.
func (r *OperationResult) Start(t time.Time) {
	r.Started = t
}

// Succeed marks the attempt as successfully completed at time t.
func (r *OperationResult) Succeed(t time.Time) {
	if r.Started.IsZero() {
		r.Started = t
	}
	r.Completed = t
	r.Succeeded = true
	r.Error = ""
	r.ErrorKind = NoError
}

// Fail marks the attempt as completed unsuccessfully at time t because of
// err. An error without a kind gets the usual kind for the operation:
// IOFailure when bagging and TransferFailure when storing.
func (r *OperationResult) Fail(t time.Time, err error) {
	if r.Started.IsZero() {
		r.Started = t
	}
	r.Completed = t
	r.Succeeded = false
	kind := KindOf(err)
	if kind == Unknown || kind == NoError {
		kind = IOFailure
		if r.Operation == Storage {
			kind = TransferFailure
		}
	}
	r.ErrorKind = kind
	if err != nil {
		r.Error = err.Error()
	}
}

// Err returns the failure as an error, or nil if the attempt did not fail.
func (r *OperationResult) Err() error {
	if r.ErrorKind == NoError && r.Error == "" {
		return nil
	}
	return Errorf(r.ErrorKind, "%s", r.Error)
}

// Clone returns a copy of r.
func (r *OperationResult) Clone() *OperationResult {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Consistent returns false if the result says it succeeded without having
// both a start and a completion time in order.
func (r *OperationResult) Consistent() bool {
	if !r.Succeeded {
		return true
	}
	return !r.Started.IsZero() && !r.Completed.IsZero() && !r.Completed.Before(r.Started)
}

type resultJSON struct {
	Operation     Operation
	Destination   string `json:",omitempty"`
	Filename      string
	AttemptNumber int
	Started       *time.Time
	Completed     *time.Time
	Succeeded     bool
	Info          string
	Warning       string
	Error         string
	ErrorKind     ErrorKind `json:",omitempty"`
}

// MarshalJSON renders unset times as null.
func (r *OperationResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{
		Operation:     r.Operation,
		Destination:   r.Destination,
		Filename:      r.Filename,
		AttemptNumber: r.AttemptNumber,
		Started:       timeOrNil(r.Started),
		Completed:     timeOrNil(r.Completed),
		Succeeded:     r.Succeeded,
		Info:          r.Info,
		Warning:       r.Warning,
		Error:         r.Error,
		ErrorKind:     r.ErrorKind,
	})
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
