package registry

import "egressfleet/internal/fleet/model"

var transitions = map[model.State][]model.State{
	model.StateCreated:       {model.StateAllocating, model.StateFailed},
	model.StateAllocating:    {model.StateNetworkReady, model.StateFailed},
	model.StateNetworkReady:  {model.StateSecurityReady, model.StateFailed},
	model.StateSecurityReady: {model.StateStarting, model.StateFailed},
	model.StateStarting:      {model.StateRunning, model.StateFailed},
	model.StateRunning:       {model.StateStopping, model.StateDegraded},
	model.StateDegraded:      {model.StateRunning, model.StateStopping},
	model.StateStopping:      {model.StateStopped, model.StateFailed},
	model.StateStopped:       {model.StateAllocating, model.StateRemoved},
	model.StateFailed:        {model.StateRemoved},
}

// CanTransition reports whether the lifecycle allows moving from one state to another.
func CanTransition(from, to model.State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
