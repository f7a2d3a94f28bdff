package rpcapi

import "github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"

// validateProfile enforces the §3 invariant and relative-path rule before
// a submitted profile ever reaches the Store, per SPEC_FULL.md §6.
func validateProfile(profile string) error {
	_, err := model.ParseFuzzConfig(profile)
	return err
}
