package task

import "github.com/mattjoyce/taskdock/internal/protocol"

type dispatchOptions struct {
	workerID *int
	onFinish string
	receipt  *Receipt
}

// Receipt identifies the package a call dispatched.
type Receipt struct {
	TaskID  string
	TraceID string
	Worker  int
}

// DispatchOption tunes a single Sync or Async call.
type DispatchOption func(*dispatchOptions)

// WithWorker sends the package to worker id instead of a random one. The id
// is used as is; keeping it in range is up to the caller.
func WithWorker(id int) DispatchOption {
	return func(o *dispatchOptions) {
		o.workerID = &id
	}
}

// WithOnFinish names the result channel an async task reports to when done.
// Ignored by Sync.
func WithOnFinish(channel string) DispatchOption {
	return func(o *dispatchOptions) {
		o.onFinish = channel
	}
}

// WithReceipt fills r with the package's ids and target worker once the
// package is built. r stays zero if the call fails before that.
func WithReceipt(r *Receipt) DispatchOption {
	return func(o *dispatchOptions) {
		o.receipt = r
	}
}

func collectOptions(opts []DispatchOption) dispatchOptions {
	var o dispatchOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func (o dispatchOptions) fill(pkg *protocol.Package, worker int) {
	if o.receipt != nil {
		*o.receipt = Receipt{TaskID: pkg.TaskID, TraceID: pkg.TraceID, Worker: worker}
	}
}
