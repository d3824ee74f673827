package poolz

// Transfer wraps a result or event payload together with the buffers whose
// ownership should move to the receiver rather than be copied.
//
// Only the thread transport can honor the move: the slice headers travel
// through unencoded and the worker relinquishes its references when the frame
// is sent. The process transport crosses a JSON pipe, so it ignores the
// transfer list and copies, which matches how structured-clone transfers
// degrade over IPC channels.
//
// A method returns a Transfer as its result (or Emit payload); the caller
// observes only Message.
type Transfer struct {
	Message       any
	Transferables [][]byte
}

// NewTransfer wraps message with the buffers to hand over.
func NewTransfer(message any, transferables ...[]byte) *Transfer {
	return &Transfer{Message: message, Transferables: transferables}
}

// release drops the sender's references to the transferred buffers. Called by
// the worker runtime after the frame carrying Message has been handed to the
// transport.
func (t *Transfer) release() {
	for i := range t.Transferables {
		t.Transferables[i] = nil
	}
	t.Transferables = nil
}
