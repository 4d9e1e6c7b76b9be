package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show the tenant's quota balance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		var resp map[string]any
		if err := client.get("/api/v1/quota", &resp); err != nil {
			return err
		}
		printJSON(resp["data"])
		return nil
	},
}

var topupCmd = &cobra.Command{
	Use:   "topup <tenant-id> <pool> <amount>",
	Short: "Credit a quota pool (admin)",
	Long:  "quillctl topup <tenant-id> <free_trial|subscription|purchased> <amount>",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("amount must be an integer: %w", err)
		}

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		var resp map[string]any
		err = client.post("/api/v1/admin/topup", map[string]any{
			"tenant_id": args[0],
			"pool":      args[1],
			"amount":    amount,
		}, &resp)
		if err != nil {
			return err
		}
		printJSON(resp["data"])
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run a reconciliation pass now (admin)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		var resp struct {
			Data struct {
				Resolved    int   `json:"resolved"`
				Resolutions []any `json:"resolutions"`
			} `json:"data"`
		}
		if err := client.post("/api/v1/admin/reconcile", nil, &resp); err != nil {
			return err
		}
		fmt.Printf("Resolved %d stuck reservation(s).\n", resp.Data.Resolved)
		if len(resp.Data.Resolutions) > 0 {
			printJSON(resp.Data.Resolutions)
		}
		return nil
	},
}
