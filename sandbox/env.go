//go:build linux

package sandbox

import "sort"

// MergeEnv flattens environment layers into one mapping. Later layers win;
// a key present in a later layer fully replaces the earlier value, there is
// no partial merging of composite values.
func MergeEnv(layers ...map[string]string) map[string]string {
	merged := make(map[string]string)

	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}

	return merged
}

// envMapToSliceSorted converts a map env to a sorted KEY=VALUE slice.
//
// Sorting improves determinism in tests and makes debug output stable.
func envMapToSliceSorted(env map[string]string) []string {
	if len(env) == 0 {
		return []string{}
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}

	return out
}
