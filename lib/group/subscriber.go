package group

// Subscriber is a non-owning handle to a transport-layer sink that can
// receive merged diffs. The group never blocks on a subscriber: Send must
// be non-blocking and return false when the sink cannot accept the diff
// (buffer full, connection gone). A false return detaches the handle.
type Subscriber interface {
	// ID identifies the handle within one group (connection id).
	ID() string
	// Send enqueues an encoded diff for delivery, without blocking.
	Send(diff []byte) bool
}

// FuncSubscriber adapts a plain function to the Subscriber interface
// (used by tests and the in-process relay consumer).
type FuncSubscriber struct {
	SubID  string
	SendFn func(diff []byte) bool
}

func (s *FuncSubscriber) ID() string { return s.SubID }

func (s *FuncSubscriber) Send(diff []byte) bool { return s.SendFn(diff) }
