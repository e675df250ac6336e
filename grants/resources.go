package grants

import (
	"slices"

	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/registry"
	"github.com/giantswarm/oidc-provider/validation"
)

// resolveStored re-resolves the scopes of a stored grant against the current
// configuration and applies resource indicators. A resource named at the
// token endpoint must be one of the stored resources; without one, the stored
// resources that still own a granted scope apply.
func resolveStored(req *validation.ValidatedRequest, scopes, stored []string) (*registry.Resources, error) {
	snap := req.Snapshot()
	res, err := snap.ResolveScopes(req.Client(), scopes, registry.ResolveOptions{})
	if err != nil {
		return nil, err
	}

	indicators := req.ResourceIndicators()
	if len(indicators) > 0 {
		if len(stored) > 0 && !slices.Contains(stored, indicators[0]) {
			return nil, protocol.InvalidTarget("resource was not part of the original grant")
		}
		return snap.ResolveResourceIndicators(res, indicators)
	}

	for _, name := range stored {
		if r, ok := snap.APIResource(name); ok && slices.Contains(res.APIResources, r) {
			indicators = append(indicators, name)
		}
	}
	if len(stored) > 0 && len(indicators) == 0 {
		return nil, protocol.InvalidTarget("no resource of the original grant remains available")
	}
	return snap.ResolveResourceIndicators(res, indicators)
}

// isSubset reports whether every element of requested is in granted.
func isSubset(requested, granted []string) bool {
	for _, s := range requested {
		if !slices.Contains(granted, s) {
			return false
		}
	}
	return true
}
