package conveyor

import (
	"sort"
)

// TriggerContext carries the immutable metadata of the event that started a
// run. It is exposed to expressions as the "event" global.
type TriggerContext struct {
	Event      string         `json:"event"`
	Ref        string         `json:"ref,omitempty"`
	SHA        string         `json:"sha,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Repository string         `json:"repository,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Globals returns the trigger context as an expression global map.
func (t *TriggerContext) Globals() map[string]any {
	payload := map[string]any{}
	for k, v := range t.Payload {
		payload[k] = v
	}
	return map[string]any{
		"name":       t.Event,
		"ref":        t.Ref,
		"sha":        t.SHA,
		"actor":      t.Actor,
		"repository": t.Repository,
		"payload":    payload,
	}
}

// EnvAccumulator collects environment variables exported by earlier steps of
// a job and folds them into the resolved environment of each subsequent
// step. It is the in-process replacement for a file-append env side channel;
// one accumulator exists per job instance and is owned by that job's
// goroutine.
type EnvAccumulator struct {
	vars map[string]string
}

func NewEnvAccumulator() *EnvAccumulator {
	return &EnvAccumulator{vars: map[string]string{}}
}

// Set records one exported variable, overwriting any earlier export.
func (a *EnvAccumulator) Set(key, value string) {
	a.vars[key] = value
}

// Get returns an exported variable.
func (a *EnvAccumulator) Get(key string) (string, bool) {
	value, ok := a.vars[key]
	return value, ok
}

// Merge folds a batch of exports into the accumulator.
func (a *EnvAccumulator) Merge(vars map[string]string) {
	for key, value := range vars {
		a.vars[key] = value
	}
}

// Keys returns the exported variable names in sorted order.
func (a *EnvAccumulator) Keys() []string {
	keys := make([]string, 0, len(a.vars))
	for key := range a.vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of the accumulated environment.
func (a *EnvAccumulator) Snapshot() map[string]string {
	out := make(map[string]string, len(a.vars))
	for key, value := range a.vars {
		out[key] = value
	}
	return out
}
