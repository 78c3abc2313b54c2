package main

import (
	"github.com/spf13/cobra"

	"github.com/kneutral-org/leaselock/internal/api"
)

var (
	leaseCmd = &cobra.Command{
		Use:   "lease",
		Short: "Acquire, refresh and release leases",
	}

	leaseAcquireCmd = &cobra.Command{
		Use:   "acquire [resourceId]",
		Short: "Acquire a lease on a resource or one of its slots",
		Long: `Acquire a lease on a resource, or on one slot with --slot.

The lease id printed on success is needed to refresh, read or release the lease.`,
		Args: cobra.ExactArgs(1),
		RunE: runLeaseAcquire,
	}

	leaseRefreshCmd = &cobra.Command{
		Use:   "refresh [leaseId]",
		Short: "Extend a held lease",
		Args:  cobra.ExactArgs(1),
		RunE:  runLeaseRefresh,
	}

	leaseGetCmd = &cobra.Command{
		Use:   "get [leaseId]",
		Short: "Show a held lease and the leased resource",
		Args:  cobra.ExactArgs(1),
		RunE:  runLeaseGet,
	}

	leaseReleaseCmd = &cobra.Command{
		Use:   "release [leaseId]",
		Short: "Release a lease",
		Args:  cobra.ExactArgs(1),
		RunE:  runLeaseRelease,
	}
)

func init() {
	leaseCmd.AddCommand(leaseAcquireCmd)
	leaseCmd.AddCommand(leaseRefreshCmd)
	leaseCmd.AddCommand(leaseGetCmd)
	leaseCmd.AddCommand(leaseReleaseCmd)

	leaseAcquireCmd.Flags().String("slot", "", "slot id to lease instead of the whole resource")
	leaseAcquireCmd.Flags().Duration("wait", 0, "how long the server keeps retrying a busy lease (0 makes one attempt)")
}

func runLeaseAcquire(cmd *cobra.Command, args []string) error {
	slot, _ := cmd.Flags().GetString("slot")
	wait, _ := cmd.Flags().GetDuration("wait")

	lease, err := client.AcquireLease(commandContext(cmd), api.AcquireLeaseRequest{
		ResourceID: args[0],
		SlotID:     slot,
		TimeoutMs:  wait.Milliseconds(),
	})
	if err != nil {
		return err
	}
	return printJSON(cmd, lease)
}

func runLeaseRefresh(cmd *cobra.Command, args []string) error {
	lease, err := client.RefreshLease(commandContext(cmd), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, lease)
}

func runLeaseGet(cmd *cobra.Command, args []string) error {
	obj, err := client.GetLease(commandContext(cmd), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, obj)
}

func runLeaseRelease(cmd *cobra.Command, args []string) error {
	rel, err := client.ReleaseLease(commandContext(cmd), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, rel)
}
