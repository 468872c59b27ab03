package proc

import (
	"os"
	"sort"
)

// ChannelMarkerFlag is appended to a tagged process's argument list so
// orphaned children can be found by scanning the process table. The
// agent binary is expected to ignore it (it follows a `--` by
// convention in the outer product's specs).
const ChannelMarkerFlag = "--agentmux-channel"

// Spec describes how to launch one child process. It is immutable:
// created once per channel launch and never mutated. Restarts reuse the
// same Spec value.
type Spec struct {
	// Path is the executable path, resolved by the caller's
	// binary-resolution layer. Relative names are looked up on PATH.
	Path string

	// Args is the argument list, not including the executable name.
	Args []string

	// Dir is the working directory. Empty means inherit.
	Dir string

	// Env holds caller-supplied environment pairs. When InheritEnv is
	// set these are merged over the parent environment, last writer wins.
	Env map[string]string

	// InheritEnv controls whether the parent environment is the base of
	// the merge. When false the child sees only Env.
	InheritEnv bool

	// Tagged appends the channel marker arguments so the process can be
	// identified by orphan cleanup. Requires ChannelID.
	Tagged bool

	// ChannelID is the owning channel's identifier, used for the marker
	// and for log attribution.
	ChannelID string
}

// Environ returns the merged environment for the child process.
// Caller-supplied pairs override inherited ones; within Env itself the
// map already guarantees one value per name.
func (s Spec) Environ() []string {
	merged := map[string]string{}
	if s.InheritEnv {
		for _, kv := range os.Environ() {
			for i := 0; i < len(kv); i++ {
				if kv[i] == '=' {
					merged[kv[:i]] = kv[i+1:]
					break
				}
			}
		}
	}
	for k, v := range s.Env {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// argv returns the full argument list including the orphan marker when
// the spec is tagged.
func (s Spec) argv() []string {
	args := append([]string(nil), s.Args...)
	if s.Tagged && s.ChannelID != "" {
		args = append(args, ChannelMarkerFlag, s.ChannelID)
	}
	return args
}
