package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

var t0 = time.Date(2020, 3, 4, 5, 6, 7, 0, time.UTC)

func TestReset(t *testing.T) {
	r := NewResult(Bagging, "bag.tar")
	r.AttemptNumber = 3
	r.Start(t0)
	r.Info = "info"
	r.Warning = "warning"
	r.Fail(t0.Add(time.Second), errors.New("disk full"))
	r.Reset()
	expected := OperationResult{Operation: Bagging, Filename: "bag.tar", AttemptNumber: 3}
	if *r != expected {
		t.Errorf("Received %+v, expected %+v", *r, expected)
	}
}

func TestSucceedFail(t *testing.T) {
	r := NewResult(Storage, "bag.tar")
	r.Succeed(t0)
	if !r.Succeeded || r.Started != t0 || r.Completed != t0 || !r.Consistent() {
		t.Errorf("Received %+v", r)
	}
	r.Reset()
	r.Start(t0)
	r.Fail(t0.Add(time.Minute), errors.New("connection reset"))
	if r.Succeeded || r.ErrorKind != TransferFailure || r.Error != "connection reset" {
		t.Errorf("Received %+v", r)
	}
	r = NewResult(Bagging, "")
	r.Fail(t0, E(TagValueMissing, errors.New("Source-Organization")))
	if r.ErrorKind != TagValueMissing || r.Started.IsZero() {
		t.Errorf("Received %+v", r)
	}
	if KindOf(r.Err()) != TagValueMissing {
		t.Errorf("Received %v, expected TagValueMissing", KindOf(r.Err()))
	}
	r = NewResult(Bagging, "")
	r.Fail(t0, errors.New("open: permission denied"))
	if r.ErrorKind != IOFailure {
		t.Errorf("Received %v, expected IOFailure", r.ErrorKind)
	}
}

func TestConsistent(t *testing.T) {
	var table = []struct {
		r      OperationResult
		output bool
	}{
		{OperationResult{}, true},
		{OperationResult{Succeeded: true}, false},
		{OperationResult{Succeeded: true, Started: t0}, false},
		{OperationResult{Succeeded: true, Started: t0, Completed: t0}, true},
		{OperationResult{Succeeded: true, Started: t0.Add(time.Second), Completed: t0}, false},
		{OperationResult{Succeeded: false, Started: t0.Add(time.Second), Completed: t0}, true},
	}
	for i, test := range table {
		if out := test.r.Consistent(); out != test.output {
			t.Errorf("%d: Received %v, expected %v", i, out, test.output)
		}
	}
}

func TestKindOf(t *testing.T) {
	var table = []struct {
		err    error
		output ErrorKind
	}{
		{nil, NoError},
		{errors.New("x"), Unknown},
		{E(ProfileInvalid, errors.New("x")), ProfileInvalid},
		{errors.Wrap(E(ConnectionInfoMissing, errors.New("x")), "s3"), ConnectionInfoMissing},
		{context.Canceled, Cancelled},
		{errors.Wrap(context.DeadlineExceeded, "upload"), Cancelled},
		{E(IOFailure, fmt.Errorf("copy: %w", context.Canceled)), Cancelled},
	}
	for _, test := range table {
		if out := KindOf(test.err); out != test.output {
			t.Errorf("%v: Received %v, expected %v", test.err, out, test.output)
		}
	}
	if E(IOFailure, nil) != nil {
		t.Errorf("E(kind, nil) is not nil")
	}
}

func TestResultJSON(t *testing.T) {
	r := NewResult(Bagging, "bag.tar")
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if !strings.Contains(s, `"Started":null`) || !strings.Contains(s, `"Completed":null`) {
		t.Errorf("Received %s", s)
	}
	if strings.Contains(s, "ErrorKind") {
		t.Errorf("Received %s, expected no ErrorKind", s)
	}
	r.Fail(t0, E(Cancelled, errors.New("stopped")))
	data, _ = json.Marshal(r)
	s = string(data)
	if !strings.Contains(s, `"ErrorKind":"Cancelled"`) || !strings.Contains(s, `"Started":"2020-03-04T05:06:07Z"`) {
		t.Errorf("Received %s", s)
	}
}

func TestErrorKindText(t *testing.T) {
	for k := NoError; k <= Cancelled; k++ {
		text, _ := k.MarshalText()
		var k2 ErrorKind
		if err := k2.UnmarshalText(text); err != nil || k2 != k {
			t.Errorf("Received %v, %v, expected %v", k2, err, k)
		}
	}
	var k ErrorKind
	if err := k.UnmarshalText([]byte("Bogus")); err == nil {
		t.Errorf("Expected an error")
	}
}
