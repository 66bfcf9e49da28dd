package runner

// Signals returns how many times the process group was signaled.
func (r *Runner) Signals() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.signals
}
