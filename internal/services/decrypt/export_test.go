package decrypt

// PendingWaiters returns how many sessions have events waiting for a key.
func (p *Pipeline) PendingWaiters() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
