package corralctl

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/wire"
)

type UpdateNodeArgs struct {
	Names    string
	State    string
	Reason   string
	Features *string
}

func (a *App) UpdateNode(args UpdateNodeArgs) error {
	state, err := api.ParseNodeState(args.State)
	if err != nil {
		return err
	}
	ctx, cancel := contextWithDefaultTimeout()
	defer cancel()
	err = a.Controller.UpdateNode(ctx, &wire.UpdateNode{
		Names:    args.Names,
		State:    state,
		Reason:   args.Reason,
		Features: args.Features,
	})
	if err != nil {
		return errors.WithMessagef(err, "updating %s", args.Names)
	}
	fmt.Fprintf(a.Out, "Updated %s to %s\n", args.Names, state)
	return nil
}

// UpdatePartitionArgs holds the new values of a partition's attributes. Nil fields are left unchanged.
type UpdatePartitionArgs struct {
	Name     string
	State    *string
	MaxTime  *string
	MaxNodes *uint32
	MinNodes *uint32
	Priority *uint32
	Default  *bool
	Shared   *string
}

func (a *App) UpdatePartition(args UpdatePartitionArgs) error {
	req := &wire.UpdatePartition{
		Name:     args.Name,
		MaxNodes: args.MaxNodes,
		MinNodes: args.MinNodes,
		Priority: args.Priority,
		Default:  args.Default,
	}
	if args.State != nil {
		state, err := api.ParsePartitionState(*args.State)
		if err != nil {
			return err
		}
		req.State = &state
	}
	if args.MaxTime != nil {
		limit, err := api.ParseTimeLimit(*args.MaxTime)
		if err != nil {
			return err
		}
		req.MaxTime = &limit
	}
	if args.Shared != nil {
		shared, err := api.ParseSharedMode(*args.Shared)
		if err != nil {
			return err
		}
		req.Shared = &shared
	}
	ctx, cancel := contextWithDefaultTimeout()
	defer cancel()
	if err := a.Controller.UpdatePartition(ctx, req); err != nil {
		return errors.WithMessagef(err, "updating partition %s", args.Name)
	}
	fmt.Fprintf(a.Out, "Updated partition %s\n", args.Name)
	return nil
}
