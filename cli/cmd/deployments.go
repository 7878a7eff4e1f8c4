package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/skyform-io/skyform/cli/render"
	"github.com/skyform-io/skyform/cli/tui"
	"github.com/skyform-io/skyform/engine"
	"github.com/skyform-io/skyform/metrics"
	"github.com/skyform-io/skyform/types"
)

// listWarningThreshold is the number of items above which we warn about
// using --limit.
const listWarningThreshold = 100

// isStderrTTY returns true if stderr is a TTY.
func isStderrTTY() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// deploymentRow is the thin slice rendered by deployments list.
type deploymentRow struct {
	ID          string `json:"deploymentId"`
	Name        string `json:"name"`
	Environment string `json:"environment"`
	Region      string `json:"region"`
	Status      string `json:"status"`
	Version     int    `json:"version"`
	UpdatedAt   string `json:"updatedAt"`
}

func toRow(d types.Deployment) deploymentRow {
	return deploymentRow{
		ID:          d.ID,
		Name:        d.Name,
		Environment: d.Environment,
		Region:      d.Region,
		Status:      string(d.Status),
		Version:     d.Version,
		UpdatedAt:   d.UpdatedAt.Format(time.RFC3339),
	}
}

// DeploymentsCommand returns the deployments command with subcommands.
func DeploymentsCommand() *cli.Command {
	return &cli.Command{
		Name:    "deployments",
		Aliases: []string{"deployment", "dep"},
		Usage:   "Manage deployments",
		Subcommands: []*cli.Command{
			deploymentsListCommand(),
			deploymentsGetCommand(),
			deploymentsCreateCommand(),
			deploymentsApproveCommand(),
			deploymentsCancelCommand(),
			deploymentsRollbackCommand(),
			deploymentsResumeCommand(),
			deploymentsUnlockCommand(),
			deploymentsWatchCommand(),
		},
	}
}

func deploymentsListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List deployments",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "owner",
				Usage: "Filter by owner id",
			},
			&cli.Int64Flag{
				Name:  "limit",
				Usage: "Maximum number of deployments to return (0 = no limit)",
			},
		),
		Action: deploymentsListAction,
	}
}

func deploymentsListAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError(err.Error())
	}
	if c.Bool("tui") {
		return usageError("--tui is not supported for list commands")
	}

	b, err := openBackend(c)
	if err != nil {
		return opFailure(err)
	}
	defer func() { _ = b.Close(c.Context) }()

	deployments, err := b.ListDeployments(c.Context, c.String("owner"), c.Int64("limit"))
	if err != nil {
		return opFailure(err)
	}

	rows := make([]deploymentRow, 0, len(deployments))
	for _, d := range deployments {
		rows = append(rows, toRow(d))
	}

	if len(rows) > listWarningThreshold && c.Int64("limit") == 0 && isStderrTTY() {
		fmt.Fprintf(os.Stderr, "Warning: returning %d results. Consider using --limit to reduce output.\n\n", len(rows))
	}

	return r.Render(rows)
}

func deploymentsGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show one deployment",
		ArgsUsage: "<deployment-id>",
		Flags: append(ReadOnlyFlags(),
			&cli.BoolFlag{Name: "stats", Usage: "Include engine counters in the output"},
		),
		Action: deploymentsGetAction,
	}
}

func deploymentsGetAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return usageError("usage: skyform deployments get <deployment-id>")
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError(err.Error())
	}

	b, err := openBackend(c)
	if err != nil {
		return opFailure(err)
	}
	defer func() { _ = b.Close(c.Context) }()

	d, s, err := b.GetDeployment(c.Context, c.Args().First())
	if err != nil {
		return opFailure(err)
	}

	if c.Bool("tui") {
		return r.RenderTUI("inspect_deployment", tui.DeploymentView{Deployment: d, Session: s})
	}

	out := struct {
		Deployment *types.Deployment   `json:"deployment"`
		Session    *types.StageSession `json:"session,omitempty"`
		Stats      *metrics.Snapshot   `json:"stats,omitempty"`
	}{Deployment: d, Session: s}
	if c.Bool("stats") {
		snap := b.Metrics()
		out.Stats = &snap
	}
	return r.Render(out)
}

func deploymentsCreateCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Create a deployment",
		Flags: append(MutatingFlags(),
			&cli.StringFlag{Name: "name", Usage: "Deployment name", Required: true},
			&cli.StringFlag{Name: "description", Usage: "Free-form description"},
			&cli.StringFlag{Name: "environment", Usage: "Target environment (default: sandbox)"},
			&cli.StringFlag{Name: "region", Usage: "Cloud region", Required: true},
			&cli.StringFlag{Name: "repo", Usage: "Source repository URL"},
			&cli.StringFlag{Name: "branch", Usage: "Source branch"},
			&cli.Float64Flag{Name: "budget", Usage: "Monthly budget in USD"},
		),
		Action: deploymentsCreateAction,
	}
}

func deploymentsCreateAction(c *cli.Context) error {
	userID, err := requireUser()
	if err != nil {
		return err
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError(err.Error())
	}

	b, err := openBackend(c)
	if err != nil {
		return opFailure(err)
	}
	defer func() { _ = b.Close(c.Context) }()

	d, err := b.CreateDeployment(c.Context, engine.NewDeployment{
		Name:        c.String("name"),
		Description: c.String("description"),
		Environment: c.String("environment"),
		Region:      c.String("region"),
		RepoURL:     c.String("repo"),
		Branch:      c.String("branch"),
		OwnerID:     userID,
		BudgetUSD:   c.Float64("budget"),
	})
	if err != nil {
		return opFailure(err)
	}
	return r.Render(toRow(*d))
}

func deploymentsApproveCommand() *cli.Command {
	return &cli.Command{
		Name:      "approve",
		Usage:     "Approve or reject a pending deployment",
		ArgsUsage: "<deployment-id>",
		Flags: append(MutatingFlags(),
			&cli.BoolFlag{Name: "reject", Usage: "Reject instead of approve"},
			&cli.StringFlag{Name: "comment", Usage: "Decision comment"},
		),
		Action: deploymentsApproveAction,
	}
}

func deploymentsApproveAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return usageError("usage: skyform deployments approve <deployment-id>")
	}
	userID, err := requireUser()
	if err != nil {
		return err
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError(err.Error())
	}

	b, err := openBackend(c)
	if err != nil {
		return opFailure(err)
	}
	defer func() { _ = b.Close(c.Context) }()

	d, err := b.Approve(c.Context, c.Args().First(), userID, c.String("comment"), !c.Bool("reject"))
	if err != nil {
		return opFailure(err)
	}
	return r.Render(toRow(*d))
}

func deploymentsCancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a deployment",
		ArgsUsage: "<deployment-id>",
		Flags: append(MutatingFlags(),
			&cli.StringFlag{Name: "reason", Usage: "Cancellation reason"},
		),
		Action: deploymentsCancelAction,
	}
}

func deploymentsCancelAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return usageError("usage: skyform deployments cancel <deployment-id>")
	}
	userID, err := requireUser()
	if err != nil {
		return err
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError(err.Error())
	}

	b, err := openBackend(c)
	if err != nil {
		return opFailure(err)
	}
	defer func() { _ = b.Close(c.Context) }()

	d, err := b.Cancel(c.Context, c.Args().First(), userID, c.String("reason"))
	if err != nil {
		return opFailure(err)
	}
	return r.Render(toRow(*d))
}

func deploymentsRollbackCommand() *cli.Command {
	return &cli.Command{
		Name:      "rollback",
		Usage:     "Tear down a deployment's provisioned resources",
		ArgsUsage: "<deployment-id>",
		Flags:     MutatingFlags(),
		Action:    deploymentsRollbackAction,
	}
}

func deploymentsRollbackAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return usageError("usage: skyform deployments rollback <deployment-id>")
	}
	userID, err := requireUser()
	if err != nil {
		return err
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError(err.Error())
	}

	b, err := openBackend(c)
	if err != nil {
		return opFailure(err)
	}
	defer func() { _ = b.Close(c.Context) }()

	d, err := b.Rollback(c.Context, c.Args().First(), userID)
	if err != nil {
		return opFailure(err)
	}
	return r.Render(toRow(*d))
}

func deploymentsResumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Rebuild the live queue for an interrupted deployment",
		ArgsUsage: "<deployment-id>",
		Flags:     MutatingFlags(),
		Action:    deploymentsResumeAction,
	}
}

func deploymentsResumeAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return usageError("usage: skyform deployments resume <deployment-id>")
	}
	if _, err := requireUser(); err != nil {
		return err
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError(err.Error())
	}

	b, err := openBackend(c)
	if err != nil {
		return opFailure(err)
	}
	defer func() { _ = b.Close(c.Context) }()

	s, err := b.Resume(c.Context, c.Args().First())
	if err != nil {
		return opFailure(err)
	}
	return r.Render(struct {
		DeploymentID string `json:"deploymentId"`
		CurrentStage string `json:"currentStage"`
		Queued       int    `json:"queuedCommands"`
		Blocked      bool   `json:"blocked"`
	}{s.DeploymentID, string(s.CurrentStage), len(s.Queue.Commands), s.Queue.IsBlocked})
}

func deploymentsUnlockCommand() *cli.Command {
	return &cli.Command{
		Name:      "unlock",
		Usage:     "Force-release a stuck state lock",
		ArgsUsage: "<deployment-id>",
		Flags: append(MutatingFlags(),
			&cli.BoolFlag{Name: "force", Usage: "Confirm the force release"},
		),
		Action: deploymentsUnlockAction,
	}
}

func deploymentsUnlockAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return usageError("usage: skyform deployments unlock --force <deployment-id>")
	}
	if !c.Bool("force") {
		return usageError("force unlock breaks an active holder's lease: re-run with --force")
	}
	userID, err := requireUser()
	if err != nil {
		return err
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError(err.Error())
	}

	b, err := openBackend(c)
	if err != nil {
		return opFailure(err)
	}
	defer func() { _ = b.Close(c.Context) }()

	id := c.Args().First()
	if err := b.ForceUnlock(c.Context, id, userID); err != nil {
		return opFailure(err)
	}
	return r.Render(struct {
		DeploymentID string `json:"deploymentId"`
		Unlocked     bool   `json:"unlocked"`
	}{id, true})
}

func deploymentsWatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Follow a deployment's live event stream",
		ArgsUsage: "<deployment-id>",
		Flags:     []cli.Flag{ConfigFlag},
		Action:    deploymentsWatchAction,
	}
}

func deploymentsWatchAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return usageError("usage: skyform deployments watch <deployment-id>")
	}

	b, err := openBackend(c)
	if err != nil {
		return opFailure(err)
	}
	defer func() { _ = b.Close(c.Context) }()

	id := c.Args().First()
	d, s, err := b.GetDeployment(c.Context, id)
	if err != nil {
		return opFailure(err)
	}

	events, unsub := b.Subscribe(types.CorrelationKey("deployment", id))
	defer unsub()

	if err := tui.RunWatch(tui.DeploymentView{Deployment: d, Session: s}, events); err != nil {
		return opFailure(err)
	}
	return nil
}
