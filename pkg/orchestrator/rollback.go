package orchestrator

// rollbackStack is a LIFO stack of undo closures, used by CreateKernel to
// satisfy P4 (rollback atomicity): every resource acquisition pushes its
// own undo immediately after succeeding, and a single failure anywhere in
// the pipeline unwinds everything acquired so far, in reverse order.
type rollbackStack struct {
	fns []func()
}

func (r *rollbackStack) push(fn func()) {
	r.fns = append(r.fns, fn)
}

// run executes every undo closure in reverse acquisition order, then
// clears the stack so a second call is a no-op.
func (r *rollbackStack) run() {
	for i := len(r.fns) - 1; i >= 0; i-- {
		r.fns[i]()
	}
	r.fns = nil
}

// disarm clears the stack without running it, for the success path where
// ownership of every acquired resource has transferred to the kernel
// record.
func (r *rollbackStack) disarm() {
	r.fns = nil
}
