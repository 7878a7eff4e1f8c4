// Package main provides the skyformd daemon entrypoint.
//
// skyformd runs the deployment orchestrator and the job workers: it leases
// infrastructure jobs from the broker, drives them through the lifecycle
// manager, and publishes completion events to the configured adapter.
//
// Usage:
//
//	skyformd [--config skyform.yaml] [--log-level info]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/skyform-io/skyform/adapter"
	redisadapter "github.com/skyform-io/skyform/adapter/redis"
	"github.com/skyform-io/skyform/adapter/webhook"
	"github.com/skyform-io/skyform/ai"
	"github.com/skyform-io/skyform/audit"
	"github.com/skyform-io/skyform/cli/config"
	"github.com/skyform-io/skyform/dispatch"
	"github.com/skyform-io/skyform/engine"
	"github.com/skyform-io/skyform/lifecycle"
	"github.com/skyform-io/skyform/log"
	"github.com/skyform-io/skyform/metrics"
	"github.com/skyform-io/skyform/queue"
	"github.com/skyform-io/skyform/runner"
	"github.com/skyform-io/skyform/stateblob"
	"github.com/skyform-io/skyform/statelock"
	"github.com/skyform-io/skyform/store"
	"github.com/skyform-io/skyform/terraform"
	"github.com/skyform-io/skyform/types"
	"github.com/skyform-io/skyform/worktree"
)

func main() {
	app := &cli.App{
		Name:    "skyformd",
		Usage:   "Skyform deployment daemon - runs the orchestrator and job workers",
		Version: types.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to skyform.yaml (default: $SKYFORM_CONFIG or ./skyform.yaml)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
				Value: "info",
			},
		},
		Action: serve,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return err
	}
	logger := log.NewLogger(c.String("log-level"))

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.Store.URI))
	if err != nil {
		return fmt.Errorf("connect document store: %w", err)
	}
	defer func() { _ = client.Disconnect(context.Background()) }()

	ms, err := store.NewMongo(ctx, store.MongoOptions{Client: client, Database: cfg.Store.Database})
	if err != nil {
		return err
	}
	stores := ms.Stores()

	redisOpts, err := goredis.ParseURL(cfg.Broker.URL)
	if err != nil {
		return fmt.Errorf("parse broker url: %w", err)
	}
	redisClient := goredis.NewClient(redisOpts)
	defer func() { _ = redisClient.Close() }()

	rec := audit.NewRecorder(stores.Audit, logger)
	machine := lifecycle.NewMachine(stores.Deployments, rec, logger)
	hub := runner.NewHub()
	proc := runner.New(logger, hub)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return fmt.Errorf("load cloud config: %w", err)
	}
	locker := statelock.NewLocker(dynamodb.NewFromConfig(awsCfg), statelock.Options{
		Table: cfg.State.LockTable,
		TTL:   cfg.State.LockTTL.Duration,
	}, rec, logger)
	blobs := stateblob.New(s3.NewFromConfig(awsCfg), stateblob.Options{Bucket: cfg.State.Bucket})

	trees := worktree.NewManager(worktree.Options{
		Root:        cfg.Worktree.Root,
		StateBucket: cfg.State.Bucket,
		LockTable:   cfg.State.LockTable,
		Region:      cfg.Region,
	}, &terraform.Fmt{Proc: proc}, logger)

	hostname, _ := os.Hostname()
	iac := terraform.NewManager(terraform.Options{
		HolderID:    "skyformd@" + hostname,
		AutoApprove: true,
	}, trees, locker, blobs, proc, stores.Deployments, rec, logger)

	aiClient, err := ai.NewServiceFromAPIKey(config.AIAPIKey(), ai.Options{
		Model:     cfg.AI.Model,
		MaxTokens: int(cfg.AI.MaxTokens),
		Timeout:   cfg.AI.Timeout.Duration,
	}, logger)
	if err != nil {
		return err
	}

	adapters, err := buildAdapters(cfg.Adapter)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(cfg.Environment, hostname)

	orc, err := engine.New(engine.Config{
		Stores:   stores,
		Machine:  machine,
		AI:       aiClient,
		IaC:      iac,
		Hub:      hub,
		Recorder: rec,
		Metrics:  collector,
		Adapters: adapters,
		ExecutorFor: func(deploymentID string) queue.Executor {
			return queue.RunnerExecutor{Runner: proc, Dir: trees.Dir(deploymentID)}
		},
		Actor:  "daemon",
		Logger: logger,
	})
	if err != nil {
		return err
	}

	d, err := dispatch.New(dispatch.Config{
		Client:    redisClient,
		Jobs:      stores.Jobs,
		Hub:       hub,
		Metrics:   collector,
		Logger:    logger,
		KeyPrefix: cfg.Broker.KeyPrefix,
	})
	if err != nil {
		return err
	}

	logger.Info("skyformd started",
		zap.String("version", types.Version),
		zap.String("environment", cfg.Environment),
		zap.String("region", cfg.Region),
		zap.String("node", hostname))

	var wg sync.WaitGroup
	for kind, handler := range jobHandlers(orc, iac) {
		wg.Add(1)
		go func(kind types.JobKind, h dispatch.Handler) {
			defer wg.Done()
			if err := d.Process(ctx, kind, h); err != nil && ctx.Err() == nil {
				logger.Error("worker stopped", zap.String("kind", string(kind)), zap.Error(err))
			}
		}(kind, handler)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()

	snap := collector.Snapshot()
	logger.Info("final metrics",
		zap.Int64("jobs_completed", snap.JobsCompleted),
		zap.Int64("jobs_failed", snap.JobsFailed),
		zap.Int64("commands_succeeded", snap.CommandsSucceeded),
		zap.Int64("commands_failed", snap.CommandsFailed),
		zap.Int64("ai_calls", snap.AICalls))
	return nil
}

// buildAdapters constructs the completion-event adapters from config. An
// empty adapter type means no external publication.
func buildAdapters(cfg config.AdapterConfig) ([]adapter.Adapter, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "redis":
		rcfg := redisadapter.Config{
			URL:     cfg.URL,
			Channel: cfg.Channel,
			Timeout: cfg.Timeout.Duration,
		}
		if cfg.Retries != nil {
			rcfg.Retries = *cfg.Retries
		}
		a, err := redisadapter.New(rcfg)
		if err != nil {
			return nil, err
		}
		return []adapter.Adapter{a}, nil
	case "webhook":
		wcfg := webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
		}
		if cfg.Retries != nil {
			wcfg.Retries = *cfg.Retries
		}
		a, err := webhook.New(wcfg)
		if err != nil {
			return nil, err
		}
		return []adapter.Adapter{a}, nil
	default:
		return nil, fmt.Errorf("unknown adapter type: %q", cfg.Type)
	}
}

// jobHandlers maps each job kind to its worker. IaC jobs drive the lifecycle
// manager directly; sandbox runs drain the deployment's command queue
// through the orchestrator.
func jobHandlers(orc *engine.Orchestrator, iac *terraform.Manager) map[types.JobKind]dispatch.Handler {
	return map[types.JobKind]dispatch.Handler{
		types.JobIaCInit: func(ctx context.Context, job *types.Job, progress func(int)) (map[string]any, error) {
			force, _ := job.Payload["force"].(bool)
			progress(10)
			initialized, err := iac.Initialize(ctx, job.DeploymentID, force)
			if err != nil {
				return nil, err
			}
			progress(100)
			return map[string]any{"initialized": initialized}, nil
		},
		types.JobIaCPlan: func(ctx context.Context, job *types.Job, progress func(int)) (map[string]any, error) {
			progress(10)
			res, err := iac.Plan(ctx, job.DeploymentID, terraform.PlanOptions{
				VarFile: payloadString(job, "varFile"),
				UserID:  payloadString(job, "userId"),
			})
			if err != nil {
				return nil, err
			}
			progress(100)
			return map[string]any{
				"add":     res.Changes.Add,
				"change":  res.Changes.Change,
				"destroy": res.Changes.Destroy,
			}, nil
		},
		types.JobIaCApply: func(ctx context.Context, job *types.Job, progress func(int)) (map[string]any, error) {
			progress(10)
			res, err := iac.Apply(ctx, job.DeploymentID, terraform.ApplyOptions{
				UserID: payloadString(job, "userId"),
			})
			if err != nil {
				return nil, err
			}
			progress(100)
			return map[string]any{"resources": len(res.Resources)}, nil
		},
		types.JobIaCDestroy: func(ctx context.Context, job *types.Job, progress func(int)) (map[string]any, error) {
			progress(10)
			out, err := iac.Destroy(ctx, job.DeploymentID, terraform.ApplyOptions{
				UserID: payloadString(job, "userId"),
			})
			if err != nil {
				return nil, err
			}
			progress(100)
			return map[string]any{"output": out}, nil
		},
		types.JobIaCValidate: func(ctx context.Context, job *types.Job, progress func(int)) (map[string]any, error) {
			files := make(map[string]string)
			if raw, ok := job.Payload["files"].(map[string]any); ok {
				for path, content := range raw {
					if s, ok := content.(string); ok {
						files[path] = s
					}
				}
			}
			progress(10)
			res, err := iac.Validate(ctx, job.DeploymentID, files)
			if err != nil {
				return nil, err
			}
			progress(100)
			return map[string]any{"valid": res.Valid, "issues": res.Issues}, nil
		},
		types.JobSandboxRun: func(ctx context.Context, job *types.Job, progress func(int)) (map[string]any, error) {
			return drainQueue(ctx, orc, job, progress)
		},
	}
}

// drainQueue executes the deployment's pending commands in order, reporting
// queue progress. It stops at the first blocking failure and leaves the
// blocked queue for the operator to resolve.
func drainQueue(ctx context.Context, orc *engine.Orchestrator, job *types.Job, progress func(int)) (map[string]any, error) {
	userID := payloadString(job, "userId")
	executed := 0
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		next, err := orc.NextCommand(job.DeploymentID)
		if err != nil {
			return nil, err
		}
		if next == nil {
			break
		}
		if _, err := orc.ExecuteNext(ctx, job.DeploymentID, userID); err != nil {
			return nil, err
		}
		executed++

		completed, total, blocked, err := orc.Progress(job.DeploymentID)
		if err == nil && total > 0 {
			progress(completed * 100 / total)
		}
		if blocked {
			return map[string]any{"executed": executed, "blocked": true}, nil
		}
	}
	progress(100)
	return map[string]any{"executed": executed, "blocked": false}, nil
}

func payloadString(job *types.Job, key string) string {
	s, _ := job.Payload[key].(string)
	return s
}
