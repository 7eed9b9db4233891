package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/surfacehq/surfacescan/internal/jobs"
	"github.com/surfacehq/surfacescan/pkg/types"
)

var (
	scanCompany string
	scanOwner   string
	scanUser    string
	scanWait    bool
)

var scanCmd = &cobra.Command{
	Use:   "scan <domain>",
	Short: "Enqueue a scan and optionally wait for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, err := jobs.NewRedisQueue(cfg.Redis, log)
		if err != nil {
			return err
		}
		defer queue.Close()

		ctx := cmd.Context()
		job := &types.ScanJob{
			CompanyName: scanCompany,
			Domain:      args[0],
			OwnerName:   scanOwner,
			UserID:      scanUser,
		}
		if err := queue.Enqueue(ctx, job); err != nil {
			return err
		}

		fmt.Printf("Scan queued: %s\n", color.CyanString(job.ID))
		if !scanWait {
			return nil
		}
		return waitForScan(ctx, queue, job.ID)
	},
}

// waitForScan polls until the job reaches a terminal state, printing module
// progress as it changes.
func waitForScan(ctx context.Context, queue interface {
	GetStatus(ctx context.Context, id string) (*types.JobStatus, error)
	GetModuleStatuses(ctx context.Context, scanID string) ([]types.ModuleStatus, error)
}, jobID string) error {
	seen := map[string]types.ModuleState{}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		statuses, err := queue.GetModuleStatuses(ctx, jobID)
		if err == nil {
			for _, ms := range statuses {
				if seen[ms.Name] == ms.State {
					continue
				}
				seen[ms.Name] = ms.State
				fmt.Printf("  %s %s\n", moduleStateColor(ms.State), ms.Name)
			}
		}

		status, err := queue.GetStatus(ctx, jobID)
		if err != nil {
			return err
		}
		if status == nil {
			return fmt.Errorf("job %s disappeared", jobID)
		}
		if !status.State.Terminal() {
			continue
		}

		if status.State == types.JobStateError {
			fmt.Printf("Scan %s: %s\n", color.RedString("failed"), status.Error)
			return fmt.Errorf("scan failed: %s", status.Error)
		}
		fmt.Printf("Scan %s", color.GreenString("done"))
		if status.ResultURL != "" {
			fmt.Printf(" (results: %s)", status.ResultURL)
		}
		fmt.Println()
		return nil
	}
}

func moduleStateColor(state types.ModuleState) string {
	switch state {
	case types.ModuleStateCompleted:
		return color.GreenString("[%s]", state)
	case types.ModuleStateFailed:
		return color.RedString("[%s]", state)
	case types.ModuleStateRunning:
		return color.YellowString("[%s]", state)
	}
	return fmt.Sprintf("[%s]", state)
}

func init() {
	scanCmd.Flags().StringVar(&scanCompany, "company", "", "company name (required)")
	scanCmd.Flags().StringVar(&scanOwner, "owner", "", "owner name")
	scanCmd.Flags().StringVar(&scanUser, "user", "", "requesting user id (required)")
	scanCmd.Flags().BoolVar(&scanWait, "wait", false, "poll until the scan finishes")
	scanCmd.MarkFlagRequired("company")
	scanCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(scanCmd)
}
