package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit <topic>",
	Short: "Submit an article generation job",
	Long:  "quillctl submit <topic> [--length 800] [--language en] [--images 1] [--wait]",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		length, _ := cmd.Flags().GetInt("length")
		language, _ := cmd.Flags().GetString("language")
		images, _ := cmd.Flags().GetInt("images")
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		var resp struct {
			Data struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"data"`
		}
		err = client.post("/api/v1/articles", map[string]any{
			"topic":         args[0],
			"target_length": length,
			"language":      language,
			"image_count":   images,
		}, &resp)
		if err != nil {
			return fmt.Errorf("submit failed: %w", err)
		}

		fmt.Printf("Job submitted: %s (%s)\n", resp.Data.ID, resp.Data.Status)
		if !wait {
			return nil
		}
		return waitForJob(client, resp.Data.ID)
	},
}

func init() {
	submitCmd.Flags().Int("length", 800, "Target article length in words")
	submitCmd.Flags().String("language", "en", "Article language")
	submitCmd.Flags().Int("images", 1, "Number of images to generate")
	submitCmd.Flags().Bool("wait", false, "Poll until the job reaches a terminal state")
}

// waitForJob polls job status until it is terminal, printing transitions.
func waitForJob(client *apiClient, jobID string) error {
	last := ""
	for {
		var resp struct {
			Data struct {
				Job struct {
					Status         string   `json:"status"`
					RecordedPhases []string `json:"recorded_phases"`
					ErrorMessage   *string  `json:"error_message"`
				} `json:"job"`
			} `json:"data"`
		}
		if err := client.get("/api/v1/articles/"+jobID, &resp); err != nil {
			return err
		}

		job := resp.Data.Job
		if job.Status != last {
			fmt.Printf("  %s (%d phases recorded)\n", job.Status, len(job.RecordedPhases))
			last = job.Status
		}

		switch job.Status {
		case "completed":
			fmt.Println("Job completed.")
			return nil
		case "failed":
			msg := "unknown error"
			if job.ErrorMessage != nil {
				msg = *job.ErrorMessage
			}
			return fmt.Errorf("job failed: %s", msg)
		case "cancelled":
			return fmt.Errorf("job was cancelled")
		}

		time.Sleep(2 * time.Second)
	}
}
