package nodedb

import (
	"github.com/armadaproject/corral/pkg/api"
)

// legalTransitions is the node state lattice. Any transition not listed here is rejected.
var legalTransitions = map[api.NodeState][]api.NodeState{
	api.NodeUnknown:     {api.NodeIdle, api.NodeDown},
	api.NodeIdle:        {api.NodeAllocated, api.NodeDraining, api.NodeDown, api.NodePoweredDown, api.NodeNoRespond, api.NodeFailed},
	api.NodeAllocated:   {api.NodeCompleting, api.NodeDown, api.NodeDraining, api.NodeNoRespond, api.NodeFailing},
	api.NodeCompleting:  {api.NodeIdle, api.NodeAllocated, api.NodeDraining, api.NodeDown},
	api.NodeDraining:    {api.NodeDrained, api.NodeAllocated, api.NodeDown},
	api.NodeDrained:     {api.NodeIdle, api.NodePoweredDown, api.NodeDown},
	api.NodeDown:        {api.NodeIdle, api.NodePoweredDown},
	api.NodePoweredDown: {api.NodeResuming},
	api.NodeResuming:    {api.NodeIdle, api.NodeDown},
	api.NodeNoRespond:   {api.NodeIdle, api.NodeAllocated, api.NodeCompleting, api.NodeDown},
	api.NodeFailing:     {api.NodeFailed, api.NodeDown},
	api.NodeFailed:      {api.NodeIdle, api.NodeDown},
}

// CanTransition reports whether the lattice allows moving a node from one state to another.
func CanTransition(from, to api.NodeState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// isResponsive is true for states in which the agent is expected to answer and run epilogs.
func isResponsive(s api.NodeState) bool {
	switch s {
	case api.NodeDown, api.NodeNoRespond, api.NodePoweredDown, api.NodeResuming, api.NodeUnknown:
		return false
	}
	return true
}
