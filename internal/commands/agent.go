package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"evalgo.org/graphdeploy/internal/agents"
	"evalgo.org/graphdeploy/models"
)

var agentSimCmd = &cobra.Command{
	Use:   "agent-sim",
	Short: "Start a simulated agent gateway",
	Long: `Start a local agent gateway that accepts deploy commands, validates the
manifest and reports every deployment as in progress until it reaches the
configured outcome.

Point agents.url at it to run the whole pipeline without real agents.

Examples:
  graphdeploy agent-sim --addr :8081
  graphdeploy agent-sim --samples 5 --outcome failed`,
	RunE: runAgentSim,
}

var (
	simAddr     string
	simSamples  int
	simOutcome  string
	simReject   bool
	simNoStatus bool
)

func init() {
	agentSimCmd.Flags().StringVar(&simAddr, "addr", ":8081", "listen address")
	agentSimCmd.Flags().IntVar(&simSamples, "samples", 3, "status queries before a deployment finishes")
	agentSimCmd.Flags().StringVar(&simOutcome, "outcome", string(models.DeploymentStatusSuccess), "final deployment status (success or failed)")
	agentSimCmd.Flags().BoolVar(&simReject, "reject", false, "reject every deploy command")
	agentSimCmd.Flags().BoolVar(&simNoStatus, "no-status", false, "answer status queries with 501")
}

func runAgentSim(cmd *cobra.Command, args []string) error {
	outcome := models.DeploymentStatus(simOutcome)
	if outcome != models.DeploymentStatusSuccess && outcome != models.DeploymentStatusFailed {
		return fmt.Errorf("invalid outcome %q: must be success or failed", simOutcome)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := agents.NewSimulator(agents.SimulatorOptions{
		Samples:  simSamples,
		Outcome:  outcome,
		Reject:   simReject,
		NoStatus: simNoStatus,
	}, slog.Default())

	return sim.ListenAndServe(ctx, simAddr)
}
