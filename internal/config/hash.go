package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashConfig fingerprints the effective config, env overrides included, so
// Reload can tell a real change from a rewrite of the same content.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
