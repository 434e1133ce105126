// Package protect implements the activation-window tracker shared by any
// actuator driver that opts into runtime protection — today only the pump
// driver (spec §9 open question: resolved in favor of one shared facility
// rather than per-driver logic).
package protect

import "time"

// Window tracks accumulated continuous-on time and a rolling activation
// count, backing the pump's can-activate() decision (spec §4.E).
type Window struct {
	MaxContinuousOn time.Duration
	Cooldown        time.Duration
	MaxActivations  int
	WindowLength    time.Duration

	activationStart time.Time // zero iff not currently running
	accumulated     time.Duration
	lastStop        time.Time
	history         []time.Time
}

// CanActivate reports whether a fresh activation is currently permitted.
func (w *Window) CanActivate(now time.Time) bool {
	if w.accumulated >= w.MaxContinuousOn && now.Sub(w.lastStop) < w.Cooldown {
		return false
	}
	return w.countInWindow(now) < w.MaxActivations
}

func (w *Window) countInWindow(now time.Time) int {
	cutoff := now.Add(-w.WindowLength)
	n := 0
	for _, t := range w.history {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// RecordActivation marks the actuator as having just started running.
// Idempotent: calling it while already running does not restart the
// activation-start timestamp (RUNTIME-PROTECTION-IDEMPOTENCE).
func (w *Window) RecordActivation(now time.Time) {
	if !w.activationStart.IsZero() {
		return
	}
	w.activationStart = now
	w.history = append(w.history, now)
	w.pruneHistory(now)
}

func (w *Window) pruneHistory(now time.Time) {
	cutoff := now.Add(-w.WindowLength)
	kept := w.history[:0]
	for _, t := range w.history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.history = kept
}

// RecordStop marks the actuator as stopped, folding the just-finished run
// into the accumulated continuous-on duration.
func (w *Window) RecordStop(now time.Time) {
	if w.activationStart.IsZero() {
		return
	}
	w.accumulated += now.Sub(w.activationStart)
	w.activationStart = time.Time{}
	w.lastStop = now
}

// TrippedRuntime reports whether a currently-running actuator has exceeded
// MaxContinuousOn and should be force-stopped by the manager's loop().
func (w *Window) TrippedRuntime(now time.Time) bool {
	if w.activationStart.IsZero() {
		return false
	}
	return now.Sub(w.activationStart) > w.MaxContinuousOn
}

// Reset is used after a trip: it ends the current run and saturates the
// accumulated continuous-on duration at MaxContinuousOn, so CanActivate
// refuses until a full Cooldown has elapsed from now.
func (w *Window) Reset(now time.Time) {
	w.accumulated = w.MaxContinuousOn
	w.activationStart = time.Time{}
	w.lastStop = now
}
