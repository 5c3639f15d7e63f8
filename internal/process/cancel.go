package process

import "sync/atomic"

// CancelToken is the shared cooperative-cancellation flag described in
// SPEC_FULL.md §5: a console Ctrl-C/Ctrl-Break handler sets it, and the
// Harvester's polling loop checks it between page-read attempts. It
// replaces any source-language stop-token machinery with a single
// atomic boolean (SPEC_FULL.md §9).
type CancelToken struct {
	requested atomic.Bool
}

// Cancel requests cancellation. Safe to call from a signal handler.
func (t *CancelToken) Cancel() {
	t.requested.Store(true)
}

// Requested reports whether cancellation has been requested.
func (t *CancelToken) Requested() bool {
	return t.requested.Load()
}
