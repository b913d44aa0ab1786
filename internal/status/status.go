// Package status aggregates the loading and error flags surfaced to the UI.
// Any component may write; readers take snapshots.
package status

import (
	"errors"
	"sync"

	"lcm-console/internal/events"
)

// DefaultTitle is the initial application title.
const DefaultTitle = "Lifecycle Manager"

// UnknownError is shown when an error carries no usable text.
const UnknownError = "An unknown error occurred. Please contact support."

// Detail is the structured error body returned by the backend. It is also an
// error so it can travel inside wrapped error chains.
type Detail struct {
	Hint        string `json:"hint,omitempty"`
	Description string `json:"description,omitempty"`
	Err         string `json:"error,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Summary returns the first non-empty of hint, description, error and message.
func (d *Detail) Summary() string {
	switch {
	case d.Hint != "":
		return d.Hint
	case d.Description != "":
		return d.Description
	case d.Err != "":
		return d.Err
	default:
		return d.Message
	}
}

func (d *Detail) Error() string {
	if s := d.Summary(); s != "" {
		return s
	}
	return UnknownError
}

// Snapshot is a point-in-time copy of the flags.
type Snapshot struct {
	Title      string `json:"appTitle"`
	AppLoading bool   `json:"appLoading"`
	Loading    bool   `json:"loading"`
	Error      string `json:"error,omitempty"`
	FatalError string `json:"fatalError,omitempty"`
}

// HasError reports whether a recoverable error is set.
func (s Snapshot) HasError() bool { return s.Error != "" }

// HasFatalError reports whether a fatal error is set.
func (s Snapshot) HasFatalError() bool { return s.FatalError != "" }

// AppStatus is a passive aggregator of UI-facing flags.
type AppStatus struct {
	mu     sync.RWMutex
	state  Snapshot
	err    error // cause of state.Error, for ClearErrorIs
	events *events.Bus
}

// New creates an AppStatus. appLoading starts true until the first session
// bootstrap completes. events may be nil.
func New(bus *events.Bus) *AppStatus {
	return &AppStatus{
		state:  Snapshot{Title: DefaultTitle, AppLoading: true},
		events: bus,
	}
}

// Snapshot returns the current flags.
func (a *AppStatus) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *AppStatus) update(fn func(*Snapshot)) {
	a.mu.Lock()
	fn(&a.state)
	snap := a.state
	a.mu.Unlock()
	a.events.Emit(events.Event{Type: events.EventStatusChanged, Data: snap})
}

func (a *AppStatus) SetTitle(title string) {
	a.update(func(s *Snapshot) { s.Title = title })
}

func (a *AppStatus) SetAppLoading(v bool) {
	a.update(func(s *Snapshot) { s.AppLoading = v })
}

func (a *AppStatus) SetLoading(v bool) {
	a.update(func(s *Snapshot) { s.Loading = v })
}

// SetError records a recoverable error. A *Detail anywhere in the chain wins;
// otherwise the error text is used, falling back to UnknownError.
func (a *AppStatus) SetError(err error) {
	msg := ErrorText(err)
	a.update(func(s *Snapshot) {
		s.Error = msg
		a.err = err
	})
}

func (a *AppStatus) ClearError() {
	a.update(func(s *Snapshot) {
		s.Error = ""
		a.err = nil
	})
}

// ClearErrorIs clears the recoverable error only when its cause matches
// target under errors.Is, leaving errors set by other components in place.
func (a *AppStatus) ClearErrorIs(target error) bool {
	a.mu.Lock()
	if a.err == nil || !errors.Is(a.err, target) {
		a.mu.Unlock()
		return false
	}
	a.state.Error = ""
	a.err = nil
	snap := a.state
	a.mu.Unlock()
	a.events.Emit(events.Event{Type: events.EventStatusChanged, Data: snap})
	return true
}

func (a *AppStatus) SetFatalError(msg string) {
	if msg == "" {
		msg = UnknownError
	}
	a.update(func(s *Snapshot) { s.FatalError = msg })
}

func (a *AppStatus) ClearFatalError() {
	a.update(func(s *Snapshot) { s.FatalError = "" })
}

// ErrorText resolves the user-facing text for err.
func ErrorText(err error) string {
	if err == nil {
		return UnknownError
	}
	var d *Detail
	if errors.As(err, &d) {
		if s := d.Summary(); s != "" {
			return s
		}
		return UnknownError
	}
	if s := err.Error(); s != "" {
		return s
	}
	return UnknownError
}
