package config

import "hash/fnv"

// hashBytes fingerprints b with FNV-64a; empty input maps to 0 so "not
// yet loaded" never matches real content.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
