package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/isdelr/backupsync/internal/jobqueue"
	"github.com/spf13/cobra"
)

var runForce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one backup now, with retries, and wait for the result",
	RunE:  runOnce,
}

func init() {
	runCmd.Flags().BoolVar(&runForce, "force", false, "skip queue constraints such as minimum free space")
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()
	a.Start(ctx)

	ticket := a.Queue.Enqueue(jobqueue.Request{Force: runForce, Reason: "cli"})
	res, err := ticket.Wait(ctx)
	if err != nil {
		return err
	}
	if res.Err != nil {
		return fmt.Errorf("backup failed after %d attempt(s): %w", res.Attempts, res.Err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n",
		res.Artifact.FinalName, humanize.Bytes(uint64(res.Artifact.SizeBytes)), res.Artifact.RemoteID)
	return nil
}
