package task

import "github.com/google/uuid"

// Transaction reserves a device for a sequence of related operations. Its
// lock task holds the device lane; member tasks interrupt the lock to run and
// unrelated tasks on the device wait until the transaction ends.
type Transaction struct {
	ID   uuid.UUID
	MAC  string
	lock *Task
	// held is set once the lock has executed; members interrupting it
	// afterwards do not undo the reservation.
	held bool
}

// NewTransaction creates a transaction on mac together with its lock task.
func NewTransaction(mac string, opts ...Option) *Transaction {
	x := &Transaction{ID: uuid.New(), MAC: mac}
	x.lock = ForDevice(TxnLock, mac, append(opts, WithTransaction(x))...)
	return x
}

// Lock returns the reservation task to submit when the transaction begins.
func (x *Transaction) Lock() *Task { return x.lock }

// Held reports whether the lock ever held the device lane.
func (x *Transaction) Held() bool { return x.held }

// Task creates a member task of the transaction.
func (x *Transaction) Task(k Kind, opts ...Option) *Task {
	return ForDevice(k, x.MAC, append(opts, WithTransaction(x))...)
}

// End releases the device. A lock that held the lane at any point succeeds,
// even when a member has pushed it back into the queue; a lock that never got
// the lane resolves as NO_OP. It reports false if the lock had already ended.
func (x *Transaction) End() bool {
	switch x.lock.state {
	case Executing:
		return x.lock.Succeed(Result{})
	case Queued, Armed:
		if x.held {
			x.lock.result = Result{}
			return x.lock.transition(Succeeded)
		}
		return x.lock.NoOp()
	}
	return false
}
