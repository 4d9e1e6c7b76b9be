package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a job and its article, if finished",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		var resp map[string]any
		if err := client.get("/api/v1/articles/"+args[0], &resp); err != nil {
			return err
		}
		printJSON(resp["data"])
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume an interrupted job",
	Long:  "Re-enters a pending or processing job. Phases with a recorded result are skipped.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		var resp struct {
			Data struct {
				ID             string   `json:"id"`
				Status         string   `json:"status"`
				RecordedPhases []string `json:"recorded_phases"`
			} `json:"data"`
		}
		if err := client.post("/api/v1/articles/"+args[0]+"/resume", nil, &resp); err != nil {
			return err
		}

		fmt.Printf("Job resumed: %s (%d phases already recorded)\n",
			resp.Data.ID, len(resp.Data.RecordedPhases))
		if !wait {
			return nil
		}
		return waitForJob(client, resp.Data.ID)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job",
	Long:  "Requests cancellation. An in-flight phase finishes and keeps its result.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		if err := client.post("/api/v1/articles/"+args[0]+"/cancel", nil, nil); err != nil {
			return err
		}
		fmt.Println("Cancellation requested.")
		return nil
	},
}

func init() {
	resumeCmd.Flags().Bool("wait", false, "Poll until the job reaches a terminal state")
}
