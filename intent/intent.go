// Package intent defines the broadcast message and the filters receivers
// register with.
package intent

import "slices"

// Intent is a broadcast message.
type Intent struct {
	Action string            `json:"action"`
	Data   string            `json:"data,omitempty"`
	Extras map[string]string `json:"extras,omitempty"`
}

// New creates an intent for action.
func New(action string) *Intent {
	return &Intent{Action: action}
}

// WithExtra sets an extra and returns the intent.
func (i *Intent) WithExtra(key, value string) *Intent {
	if i.Extras == nil {
		i.Extras = make(map[string]string)
	}
	i.Extras[key] = value
	return i
}

// Extra returns the extra stored under key.
func (i *Intent) Extra(key string) string {
	return i.Extras[key]
}

// Filter selects the intents a receiver gets.
type Filter struct {
	Actions []string `json:"actions"`
}

// NewFilter creates a filter matching any of actions.
func NewFilter(actions ...string) Filter {
	return Filter{Actions: actions}
}

// Match reports whether the filter accepts in.
func (f Filter) Match(in *Intent) bool {
	return in != nil && slices.Contains(f.Actions, in.Action)
}

// Merge returns a filter accepting the actions of both f and other.
func (f Filter) Merge(other Filter) Filter {
	merged := slices.Clone(f.Actions)
	for _, a := range other.Actions {
		if !slices.Contains(merged, a) {
			merged = append(merged, a)
		}
	}
	return Filter{Actions: merged}
}
