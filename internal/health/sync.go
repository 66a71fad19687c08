package health

import "github.com/jordanhubbard/modelgate/internal/registry"

// SyncToRegistry returns a Tracker onUpdate callback (see WithOnUpdate) that
// applies health state transitions to a provider's registry.Status via
// atomic Replace, so router candidate filtering reflects live health
// without either package depending on the other's internals.
func SyncToRegistry(reg *registry.Registry) func(providerID string, state State) {
	return func(providerID string, state State) {
		d, ok := reg.Get(providerID)
		if !ok {
			return
		}
		var status registry.Status
		switch state {
		case StateHealthy:
			status = registry.StatusOnline
		case StateDegraded:
			status = registry.StatusDegraded
		case StateDown:
			status = registry.StatusOffline
		default:
			return
		}
		if d.Status == status {
			return
		}
		d.Status = status
		reg.Replace(d)
	}
}
