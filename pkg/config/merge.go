package config

import (
	"fmt"

	"dario.cat/mergo"
)

// mergeWithDefaults merges user into a copy of DefaultDocument(), with
// user's non-zero fields overriding the defaults via mergo.WithOverride.
func mergeWithDefaults(user *Document) (*Document, error) {
	merged := DefaultDocument()
	if user == nil {
		return merged, nil
	}
	if err := mergo.Merge(merged, user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("config: merge with defaults: %w", err)
	}
	return merged, nil
}
