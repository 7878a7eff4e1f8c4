package cmd

import (
	"context"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/urfave/cli/v2"

	"github.com/skyform-io/skyform/cli/config"
	"github.com/skyform-io/skyform/cli/render"
)

// EC2API is the compute API slice the ec2 commands use.
type EC2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, opts ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, opts ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	RebootInstances(ctx context.Context, in *ec2.RebootInstancesInput, opts ...func(*ec2.Options)) (*ec2.RebootInstancesOutput, error)
}

// openEC2 builds the compute client for a command invocation. Overridable in
// tests.
var openEC2 = func(c *cli.Context) (EC2API, error) {
	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(c.Context, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, err
	}
	return ec2.NewFromConfig(awsCfg), nil
}

// instanceRow is the flattened instance shape rendered by ec2 commands.
type instanceRow struct {
	ID         string `json:"instanceId"`
	Name       string `json:"name,omitempty"`
	Type       string `json:"instanceType"`
	State      string `json:"state"`
	PublicIP   string `json:"publicIp,omitempty"`
	PrivateIP  string `json:"privateIp,omitempty"`
	LaunchedAt string `json:"launchedAt,omitempty"`
}

func toInstanceRow(in ec2types.Instance) instanceRow {
	row := instanceRow{
		ID:        deref(in.InstanceId),
		Type:      string(in.InstanceType),
		PublicIP:  deref(in.PublicIpAddress),
		PrivateIP: deref(in.PrivateIpAddress),
	}
	if in.State != nil {
		row.State = string(in.State.Name)
	}
	for _, tag := range in.Tags {
		if deref(tag.Key) == "Name" {
			row.Name = deref(tag.Value)
		}
	}
	if in.LaunchTime != nil {
		row.LaunchedAt = in.LaunchTime.UTC().Format(time.RFC3339)
	}
	return row
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// stateChangeRow reports one instance state transition.
type stateChangeRow struct {
	ID       string `json:"instanceId"`
	Previous string `json:"previousState"`
	Current  string `json:"currentState"`
}

// EC2Command returns the ec2 command with subcommands.
func EC2Command() *cli.Command {
	return &cli.Command{
		Name:  "ec2",
		Usage: "Inspect and control compute instances",
		Subcommands: []*cli.Command{
			ec2ListCommand(),
			ec2DescribeCommand(),
			ec2StartCommand(),
			ec2StopCommand(),
			ec2RebootCommand(),
		},
	}
}

func ec2ListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List instances in the configured region",
		Flags: MutatingFlags(),
		Action: func(c *cli.Context) error {
			r, err := render.NewRenderer(c)
			if err != nil {
				return usageError(err.Error())
			}
			api, err := openEC2(c)
			if err != nil {
				return opFailure(err)
			}

			var rows []instanceRow
			var token *string
			for {
				out, err := api.DescribeInstances(c.Context, &ec2.DescribeInstancesInput{NextToken: token})
				if err != nil {
					return opFailure(err)
				}
				for _, res := range out.Reservations {
					for _, in := range res.Instances {
						rows = append(rows, toInstanceRow(in))
					}
				}
				if out.NextToken == nil {
					break
				}
				token = out.NextToken
			}
			return r.Render(rows)
		},
	}
}

func ec2DescribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe",
		Usage:     "Describe one or more instances",
		ArgsUsage: "<instance-id> [instance-id...]",
		Flags:     MutatingFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return usageError("usage: skyform ec2 describe <instance-id> [instance-id...]")
			}
			r, err := render.NewRenderer(c)
			if err != nil {
				return usageError(err.Error())
			}
			api, err := openEC2(c)
			if err != nil {
				return opFailure(err)
			}

			out, err := api.DescribeInstances(c.Context, &ec2.DescribeInstancesInput{
				InstanceIds: c.Args().Slice(),
			})
			if err != nil {
				return opFailure(err)
			}
			var rows []instanceRow
			for _, res := range out.Reservations {
				for _, in := range res.Instances {
					rows = append(rows, toInstanceRow(in))
				}
			}
			return r.Render(rows)
		},
	}
}

func ec2StartCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Start stopped instances",
		ArgsUsage: "<instance-id> [instance-id...]",
		Flags:     MutatingFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return usageError("usage: skyform ec2 start <instance-id> [instance-id...]")
			}
			if _, err := requireUser(); err != nil {
				return err
			}
			r, err := render.NewRenderer(c)
			if err != nil {
				return usageError(err.Error())
			}
			api, err := openEC2(c)
			if err != nil {
				return opFailure(err)
			}

			out, err := api.StartInstances(c.Context, &ec2.StartInstancesInput{
				InstanceIds: c.Args().Slice(),
			})
			if err != nil {
				return opFailure(err)
			}
			rows := make([]stateChangeRow, 0, len(out.StartingInstances))
			for _, ch := range out.StartingInstances {
				rows = append(rows, toStateChangeRow(ch))
			}
			return r.Render(rows)
		},
	}
}

func ec2StopCommand() *cli.Command {
	return &cli.Command{
		Name:      "stop",
		Usage:     "Stop running instances",
		ArgsUsage: "<instance-id> [instance-id...]",
		Flags: append(MutatingFlags(),
			&cli.BoolFlag{Name: "force", Usage: "Force stop without graceful OS shutdown"},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return usageError("usage: skyform ec2 stop <instance-id> [instance-id...]")
			}
			if _, err := requireUser(); err != nil {
				return err
			}
			r, err := render.NewRenderer(c)
			if err != nil {
				return usageError(err.Error())
			}
			api, err := openEC2(c)
			if err != nil {
				return opFailure(err)
			}

			in := &ec2.StopInstancesInput{InstanceIds: c.Args().Slice()}
			if c.Bool("force") {
				force := true
				in.Force = &force
			}
			out, err := api.StopInstances(c.Context, in)
			if err != nil {
				return opFailure(err)
			}
			rows := make([]stateChangeRow, 0, len(out.StoppingInstances))
			for _, ch := range out.StoppingInstances {
				rows = append(rows, toStateChangeRow(ch))
			}
			return r.Render(rows)
		},
	}
}

func ec2RebootCommand() *cli.Command {
	return &cli.Command{
		Name:      "reboot",
		Usage:     "Reboot running instances",
		ArgsUsage: "<instance-id> [instance-id...]",
		Flags:     MutatingFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return usageError("usage: skyform ec2 reboot <instance-id> [instance-id...]")
			}
			if _, err := requireUser(); err != nil {
				return err
			}
			r, err := render.NewRenderer(c)
			if err != nil {
				return usageError(err.Error())
			}
			api, err := openEC2(c)
			if err != nil {
				return opFailure(err)
			}

			// RebootInstances returns no per-instance state; report the request.
			if _, err := api.RebootInstances(c.Context, &ec2.RebootInstancesInput{
				InstanceIds: c.Args().Slice(),
			}); err != nil {
				return opFailure(err)
			}
			rows := make([]stateChangeRow, 0, c.NArg())
			for _, id := range c.Args().Slice() {
				rows = append(rows, stateChangeRow{ID: id, Current: "rebooting"})
			}
			return r.Render(rows)
		},
	}
}

func toStateChangeRow(ch ec2types.InstanceStateChange) stateChangeRow {
	row := stateChangeRow{ID: deref(ch.InstanceId)}
	if ch.PreviousState != nil {
		row.Previous = string(ch.PreviousState.Name)
	}
	if ch.CurrentState != nil {
		row.Current = string(ch.CurrentState.Name)
	}
	return row
}
