package main

import (
	"github.com/spf13/cobra"

	"github.com/kneutral-org/leaselock/internal/api"
)

var (
	resourceCmd = &cobra.Command{
		Use:   "resource",
		Short: "Create and inspect lockable resources",
	}

	resourceCreateCmd = &cobra.Command{
		Use:   "create [id]",
		Short: "Create a resource",
		Args:  cobra.ExactArgs(1),
		RunE:  runResourceCreate,
	}

	resourceGetCmd = &cobra.Command{
		Use:   "get [id]",
		Short: "Show a resource and its current leases",
		Args:  cobra.ExactArgs(1),
		RunE:  runResourceGet,
	}
)

func init() {
	resourceCmd.AddCommand(resourceCreateCmd)
	resourceCmd.AddCommand(resourceGetCmd)

	resourceCreateCmd.Flags().String("name", "", "display name of the resource")
	resourceCreateCmd.Flags().StringSlice("slot", nil, "slot id that can be leased on its own (repeatable)")
}

func runResourceCreate(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	slots, _ := cmd.Flags().GetStringSlice("slot")

	req := api.CreateResourceRequest{ID: args[0], Name: name}
	for _, s := range slots {
		req.Slots = append(req.Slots, api.SlotRequest{ID: s})
	}

	res, err := client.CreateResource(commandContext(cmd), req)
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func runResourceGet(cmd *cobra.Command, args []string) error {
	res, err := client.GetResource(commandContext(cmd), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}
