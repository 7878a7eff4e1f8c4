package cmd

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/urfave/cli/v2"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/skyform-io/skyform/ai"
	"github.com/skyform-io/skyform/audit"
	"github.com/skyform-io/skyform/cli/config"
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

// Backend is the engine surface the CLI commands drive.
type Backend interface {
	ListDeployments(ctx context.Context, ownerID string, limit int64) ([]types.Deployment, error)
	GetDeployment(ctx context.Context, deploymentID string) (*types.Deployment, *types.StageSession, error)
	CreateDeployment(ctx context.Context, in engine.NewDeployment) (*types.Deployment, error)
	Approve(ctx context.Context, deploymentID, userID, comment string, approved bool) (*types.Deployment, error)
	Cancel(ctx context.Context, deploymentID, userID, reason string) (*types.Deployment, error)
	Rollback(ctx context.Context, deploymentID, userID string) (*types.Deployment, error)
	Resume(ctx context.Context, deploymentID string) (*types.StageSession, error)
	// ForceUnlock releases a stuck state lock on behalf of an admin.
	ForceUnlock(ctx context.Context, deploymentID, adminID string) error
	// Subscribe attaches to the live event stream for a correlation key.
	Subscribe(correlation string) (<-chan types.StreamEvent, func())
	// Metrics returns the engine counter snapshot for this process.
	Metrics() metrics.Snapshot
	Close(ctx context.Context) error
}

// openBackend builds the backend for a command invocation. Overridable in
// tests.
var openBackend = func(c *cli.Context) (Backend, error) {
	return newEngineBackend(c.Context, c.String("config"))
}

// engineBackend runs the orchestrator in-process against the configured
// stores and cloud services.
type engineBackend struct {
	*engine.Orchestrator
	stores    store.Stores
	hub       *runner.Hub
	client    *mongo.Client
	locker    *statelock.Locker
	collector *metrics.Collector
}

func newEngineBackend(ctx context.Context, configPath string) (*engineBackend, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	logger := log.NewLogger("warn")

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.Store.URI))
	if err != nil {
		return nil, fmt.Errorf("connect document store: %w", err)
	}
	ms, err := store.NewMongo(ctx, store.MongoOptions{Client: client, Database: cfg.Store.Database})
	if err != nil {
		return nil, err
	}
	stores := ms.Stores()

	rec := audit.NewRecorder(stores.Audit, logger)
	machine := lifecycle.NewMachine(stores.Deployments, rec, logger)
	hub := runner.NewHub()
	proc := runner.New(logger, hub)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load cloud config: %w", err)
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
		HolderID:    "skyform-cli@" + hostname,
		AutoApprove: true,
	}, trees, locker, blobs, proc, stores.Deployments, rec, logger)

	apiKey := config.AIAPIKey()
	if creds, err := LoadCredentials(); err == nil && creds != nil && creds.APIKey != "" {
		apiKey = creds.APIKey
	}
	aiClient, err := ai.NewServiceFromAPIKey(apiKey, ai.Options{
		Model:     cfg.AI.Model,
		MaxTokens: int(cfg.AI.MaxTokens),
		Timeout:   cfg.AI.Timeout.Duration,
	}, logger)
	if err != nil {
		return nil, err
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
		ExecutorFor: func(deploymentID string) queue.Executor {
			return queue.RunnerExecutor{Runner: proc, Dir: trees.Dir(deploymentID)}
		},
		Actor:  "cli",
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	return &engineBackend{
		Orchestrator: orc,
		stores:       stores,
		hub:          hub,
		client:       client,
		locker:       locker,
		collector:    collector,
	}, nil
}

func (b *engineBackend) ListDeployments(ctx context.Context, ownerID string, limit int64) ([]types.Deployment, error) {
	return b.stores.Deployments.List(ctx, ownerID, limit)
}

func (b *engineBackend) GetDeployment(ctx context.Context, deploymentID string) (*types.Deployment, *types.StageSession, error) {
	return b.Orchestrator.Get(ctx, deploymentID)
}

func (b *engineBackend) ForceUnlock(ctx context.Context, deploymentID, adminID string) error {
	return b.locker.ForceRelease(ctx, deploymentID, adminID)
}

func (b *engineBackend) Subscribe(correlation string) (<-chan types.StreamEvent, func()) {
	return b.hub.Subscribe(correlation)
}

func (b *engineBackend) Metrics() metrics.Snapshot {
	return b.collector.Snapshot()
}

func (b *engineBackend) CreateDeployment(ctx context.Context, in engine.NewDeployment) (*types.Deployment, error) {
	return b.Orchestrator.Create(ctx, in)
}

func (b *engineBackend) Close(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}
