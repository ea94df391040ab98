package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/services"
	"github.com/Wikid82/warden/internal/util"
)

func parseAddress(arg string) (string, error) {
	address, ok := util.NormalizeIP(arg)
	if !ok {
		return "", fmt.Errorf("%w: %q", services.ErrInvalidAddress, arg)
	}
	return address, nil
}

func (a *app) evaluateCmd() *cobra.Command {
	var eventType, username string
	cmd := &cobra.Command{
		Use:   "evaluate <ip>",
		Short: "Print the composite threat evaluation for an address",
		Long: `Compute the composite threat score for an address from stored
enrichment and history. With --event-type the score includes the
event-dependent detectors (root targeting, impossible travel).

Nothing is blocked.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			var ev *services.EventContext
			if eventType != "" {
				ev = services.EventContextFrom(&models.AuthEvent{SourceIP: address, EventType: eventType, TargetUsername: username})
			}
			return printJSON(cmd, a.c.Scorer.Evaluate(cmd.Context(), address, ev))
		},
	}
	cmd.Flags().StringVar(&eventType, "event-type", "", "Score as if this event just happened (failed, successful, invalid_user)")
	cmd.Flags().StringVar(&username, "username", "", "Target username for --event-type")
	return cmd
}

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <ip>",
		Short: "Evaluate the blocking rules for an address and block on a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			res, err := a.c.Rules.CheckAndBlock(cmd.Context(), address)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func (a *app) unblockCmd() *cobra.Command {
	var reason, actor string
	cmd := &cobra.Command{
		Use:   "unblock <ip>",
		Short: "Release the active block for an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			res, err := a.c.Blocks.Unblock(cmd.Context(), address, reason, actor)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual unblock", "Reason recorded in the audit trail")
	cmd.Flags().StringVar(&actor, "actor", "wardenctl", "Who performed the unblock")
	return cmd
}

func (a *app) reconcileCmd() *cobra.Command {
	var agentID uint
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Release active blocks that agents no longer hold in their firewall",
		Long: `Compare active blocks with the deny sets agents last reported. A block
that was deployed before the report but is missing from it is
deactivated. Agents that never reported are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var scope *uint
			if cmd.Flags().Changed("agent") {
				scope = &agentID
			}
			report, err := a.c.Reconcile.Reconcile(cmd.Context(), scope)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().UintVar(&agentID, "agent", 0, "Reconcile only this agent id")
	return cmd
}

func (a *app) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release every auto-unblock block whose time has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.c.Blocks.SweepExpired(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int{"released": n})
		},
	}
}
