package fleet

import (
	"context"
	"time"
)

// Command queue operations. The queue is embedded in each device
// record and never outlives it; every operation here runs under the
// registry lock so the push and poll entry paths cannot interleave
// partial mutations.

// EnqueueCommand appends a command to a device's queue.
//
// If a pending command with the same name was enqueued within the
// dedup window, that existing command is returned instead and created
// is false: at most one pending command of a given name exists per
// device at any instant within the window, independent of which entry
// path triggered the enqueue.
//
// Returns ErrDeviceNotFound for unknown devices: commands cannot
// target devices that have never contacted the coordinator.
func (r *Registry) EnqueueCommand(ctx context.Context, deviceID, name string, params Params) (cmd *Command, created bool, err error) {
	if name == "" {
		return nil, false, ErrInvalidCommand
	}

	now := time.Now().UTC()

	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return nil, false, ErrDeviceNotFound
	}

	// Dedup scan: a recent pending command with the same name is
	// treated as already-satisfied.
	for _, existing := range d.Commands {
		if existing.Status == StatusPending &&
			existing.Name == name &&
			now.Sub(existing.EnqueuedAt) < r.opts.DedupWindow {
			dup := existing.DeepCopy()
			r.mu.Unlock()
			r.logger.Debug("duplicate command suppressed", "device", deviceID, "name", name, "id", dup.ID)
			return dup, false, nil
		}
	}

	c := newCommand(name, params, now)
	d.Commands = append(d.Commands, c)
	d.UpdatedAt = now

	result := c.DeepCopy()
	snapshot := d.DeepCopy()
	r.mu.Unlock()

	r.persist(ctx, snapshot)

	r.logger.Info("command queued", "device", deviceID, "name", name, "id", result.ID)
	return result, true, nil
}

// DrainPending is the poll path's pickup call.
//
// It first evicts commands older than the retention window from the
// queue entirely, regardless of status: stale commands are lost causes
// and must not accumulate unbounded. Among the survivors it returns
// those in StatusPending, flipping each to StatusSent with a recorded
// sent timestamp.
//
// Deliberately not idempotent: a second call on an unchanged queue
// returns the empty sequence, so a device that polls twice before
// acting on the first batch will not receive duplicates.
func (r *Registry) DrainPending(ctx context.Context, deviceID string) ([]Command, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrDeviceNotFound
	}

	// Retention eviction.
	kept := d.Commands[:0]
	evicted := 0
	for _, c := range d.Commands {
		if now.Sub(c.EnqueuedAt) > r.opts.CommandRetention {
			evicted++
			continue
		}
		kept = append(kept, c)
	}
	d.Commands = kept

	// Pick up pending survivors, FIFO by enqueue order.
	var drained []Command
	for _, c := range d.Commands {
		if c.Status != StatusPending {
			continue
		}
		c.Status = StatusSent
		sentAt := now
		c.SentAt = &sentAt
		drained = append(drained, *c.DeepCopy())
	}

	changed := evicted > 0 || len(drained) > 0
	if changed {
		d.UpdatedAt = now
	}
	snapshot := d.DeepCopy()
	r.mu.Unlock()

	if changed {
		r.persist(ctx, snapshot)
	}
	if evicted > 0 {
		r.logger.Info("stale commands evicted", "device", deviceID, "count", evicted)
	}
	if len(drained) > 0 {
		r.logger.Debug("commands drained", "device", deviceID, "count", len(drained))
	}

	return drained, nil
}

// ResolveCommand settles a command on a device-reported result.
//
// Matching prefers the command id; when no id is supplied it falls
// back to the first command with the given name. On success the
// command is removed from the queue: this is the only removal path
// besides retention eviction. On failure the command keeps StatusSent
// so the poll path will not re-return it, unless retry-on-failure is
// enabled, in which case it flips back to StatusPending (with the
// sent timestamp cleared) for re-delivery on the next drain.
//
// Returns a copy of the resolved command, or ErrCommandNotFound when
// nothing matched.
func (r *Registry) ResolveCommand(ctx context.Context, deviceID, commandID, name string, success bool) (*Command, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrDeviceNotFound
	}

	idx := -1
	if commandID != "" {
		for i, c := range d.Commands {
			if c.ID == commandID {
				idx = i
				break
			}
		}
	}
	if idx < 0 && name != "" {
		for i, c := range d.Commands {
			if c.Name == name {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return nil, ErrCommandNotFound
	}

	resolved := d.Commands[idx].DeepCopy()
	if success {
		d.Commands = append(d.Commands[:idx], d.Commands[idx+1:]...)
	} else if r.opts.RetryOnFailure {
		d.Commands[idx].Status = StatusPending
		d.Commands[idx].SentAt = nil
	}
	d.UpdatedAt = now

	snapshot := d.DeepCopy()
	r.mu.Unlock()

	r.persist(ctx, snapshot)

	r.logger.Info("command resolved", "device", deviceID, "id", resolved.ID, "name", resolved.Name, "success", success)
	return resolved, nil
}

// ResetSentCommands flips every sent command on a device back to
// pending, clearing sent timestamps. Operational escape hatch for a
// device that picked up commands but never reported success or
// failure. Returns the number of commands reset.
func (r *Registry) ResetSentCommands(ctx context.Context, deviceID string) (int, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return 0, ErrDeviceNotFound
	}

	reset := 0
	for _, c := range d.Commands {
		if c.Status != StatusSent {
			continue
		}
		c.Status = StatusPending
		c.SentAt = nil
		reset++
	}
	if reset > 0 {
		d.UpdatedAt = now
	}
	snapshot := d.DeepCopy()
	r.mu.Unlock()

	if reset > 0 {
		r.persist(ctx, snapshot)
		r.logger.Info("sent commands reset", "device", deviceID, "count", reset)
	}
	return reset, nil
}
