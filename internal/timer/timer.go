// Package timer implements the scalar countdown primitive the gateway
// uses for liveness accounting.
package timer

// Timer accumulates elapsed time while enabled and answers threshold
// comparisons against that accumulator. It carries no wall-clock state of
// its own: callers advance it by a delta each tick via Update.
type Timer struct {
	value   float32
	enabled bool
}

// New returns a Timer starting at 0 with the given enabled state.
func New(enabled bool) Timer {
	return Timer{enabled: enabled}
}

// NewValue returns a Timer starting at value with the given enabled state.
func NewValue(value float32, enabled bool) Timer {
	return Timer{value: value, enabled: enabled}
}

// Get returns the current accumulator value.
func (t *Timer) Get() float32 {
	return t.value
}

// Compare returns interval-value; non-positive once the interval elapses.
func (t *Timer) Compare(interval float32) float32 {
	return interval - t.value
}

// Test reports whether the timer is enabled and has reached interval.
func (t *Timer) Test(interval float32) bool {
	if !t.enabled {
		return false
	}
	return t.Compare(interval) <= 0
}

// Resume enables or disables the timer. Disabling also resets the
// accumulator, so a subsequent Resume starts counting from zero.
func (t *Timer) Resume(enable bool) {
	if t.enabled != enable {
		t.enabled = enable
		if !t.enabled {
			t.Reset()
		}
	}
}

// Suspend disables the timer, equivalent to Resume(false).
func (t *Timer) Suspend() {
	t.Resume(false)
}

// Update advances the accumulator by dt seconds, only while enabled.
func (t *Timer) Update(dt float32) {
	if t.enabled {
		t.value += dt
	}
}

// Reset zeroes the accumulator without changing the enabled state.
func (t *Timer) Reset() {
	t.value = 0
}

// Enabled reports the current enabled bit.
func (t *Timer) Enabled() bool {
	return t.enabled
}
