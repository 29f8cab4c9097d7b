package audithook

import "log/slog"

// Option configures an Extension.
type Option func(*Extension)

// WithActions records only the listed actions. Unknown names match
// nothing.
func WithActions(actions ...string) Option {
	return func(e *Extension) {
		e.enabled = make(map[string]bool, len(actions))
		for _, a := range actions {
			e.enabled[a] = true
		}
	}
}

// WithMinSeverity drops events below sev, e.g. SeverityWarning keeps
// cancellations, retries, degraded batches and failures.
func WithMinSeverity(sev string) Option {
	return func(e *Extension) {
		if _, ok := rank[sev]; ok {
			e.minSeverity = sev
		}
	}
}

// WithLogger sets the logger for recorder failures.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extension) { e.logger = l }
}
