// Package task is the task engine (component E): the per-IKE_SA active/queued
// task queues, the initiator and responder exchange loops, exponential
// retransmission, the response cache for duplicate requests, and the
// concrete task types that build and process each exchange's payloads.
package task

import (
	"github.com/ikecore/charon/internal/ikesa"
	"github.com/ikecore/charon/internal/wire"
)

// Status is a task's outcome after one Build or Process call.
type Status int

const (
	// NeedMore: the task has more work and stays in the active queue.
	NeedMore Status = iota
	// Done: the task is finished and is removed from the active queue.
	Done
	// Failed: the task could not proceed; Err carries the notify-mappable cause.
	Failed
)

// Kind names a task type for build-order sequencing and logging.
type Kind int

const (
	KindIkeInit Kind = iota
	KindIkeNatD
	KindIkeCert
	KindIkeAuth
	KindChildCreate
	KindChildRekey
	KindChildDelete
	KindIkeRekey
	KindIkeDelete
	KindIkeDPD
	KindIkeMobike
	KindIkeConfig
)

// buildOrder is the canonical ordering of exchange construction: SA_INIT
// tasks precede KE precedes NONCE precedes NAT-detect precedes CERTREQ, and
// so on for the exchanges that bundle more than one task.
var buildOrder = map[Kind]int{
	KindIkeInit:     0,
	KindIkeNatD:     1,
	KindIkeCert:     2,
	KindIkeAuth:     3,
	KindChildCreate: 4,
	KindChildRekey:  4,
	KindChildDelete: 4,
	KindIkeRekey:    3,
	KindIkeDelete:   3,
	KindIkeDPD:      3,
	KindIkeMobike:   3,
	KindIkeConfig:   2,
}

// Task is the contract every exchange participant implements.
type Task interface {
	Kind() Kind
	Build(sa *ikesa.IKESA, msg *wire.Message) (Status, error)
	Process(sa *ikesa.IKESA, msg *wire.Message) (Status, error)
	Migrate(sa *ikesa.IKESA)
	Destroy()
}

// NotifyKind classifies the cause of a Failed status, so the manager can pick
// the right notify code (narrowed to the values a Failed task actually needs
// to report).
type NotifyKind int

const (
	NotifyNone NotifyKind = iota
	NotifyNoProposalChosen
	NotifyTSUnacceptable
	NotifyInvalidKE
	NotifyAuthenticationFailed
	NotifyInvalidSyntax
	NotifyChildSANotFound
	NotifyTemporaryFailure
)

// TaskError is what a Failed task returns from Build/Process.
type TaskError struct {
	Notify NotifyKind
	Err    error
}

func (e *TaskError) Error() string { return e.Err.Error() }
func (e *TaskError) Unwrap() error { return e.Err }
