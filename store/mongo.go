package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/skyform-io/skyform/types"
)

// Collection names.
const (
	CollDeployments = "deployments"
	CollSessions    = "stage_sessions"
	CollHistory     = "command_history"
	CollAudit       = "audit_logs"
	CollJobs        = "jobs"
)

const defaultOpTimeout = 5 * time.Second

// MongoOptions configures the Mongo store bundle.
type MongoOptions struct {
	// Client is a connected Mongo client (required).
	Client *mongo.Client
	// Database is the database name (required).
	Database string
	// Timeout bounds each operation (default 5s).
	Timeout time.Duration
}

// Mongo implements every repository on a Mongo database.
type Mongo struct {
	db      *mongo.Database
	timeout time.Duration
}

// NewMongo builds the Mongo store bundle and ensures indexes. The audit
// collection gets a unique index on hash; history and audit get
// deploymentId/userId lookup indexes.
func NewMongo(ctx context.Context, opts MongoOptions) (*Mongo, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	m := &Mongo{db: opts.Client.Database(opts.Database), timeout: timeout}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := m.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Stores returns the bundle view of the Mongo store.
func (m *Mongo) Stores() Stores {
	return Stores{
		Deployments: (*mongoDeployments)(m),
		Sessions:    (*mongoSessions)(m),
		History:     (*mongoHistory)(m),
		Jobs:        (*mongoJobs)(m),
		Audit:       (*mongoAudit)(m),
	}
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.db.Collection(CollAudit).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "hash", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = m.db.Collection(CollAudit).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	if err != nil {
		return err
	}
	_, err = m.db.Collection(CollHistory).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "deploymentId", Value: 1}, {Key: "startedAt", Value: -1}},
	})
	if err != nil {
		return err
	}
	_, err = m.db.Collection(CollJobs).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "kind", Value: 1}, {Key: "enqueuedAt", Value: -1}},
	})
	return err
}

func (m *Mongo) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

type mongoDeployments Mongo

func (m *mongoDeployments) coll() *mongo.Collection { return m.db.Collection(CollDeployments) }

func (m *mongoDeployments) Create(ctx context.Context, d *types.Deployment) error {
	ctx, cancel := (*Mongo)(m).opCtx(ctx)
	defer cancel()
	_, err := m.coll().InsertOne(ctx, d)
	if mongo.IsDuplicateKeyError(err) {
		return types.Ef(types.KindInvalidInput, "deployment %s already exists", d.ID)
	}
	return err
}

func (m *mongoDeployments) Get(ctx context.Context, deploymentID string) (*types.Deployment, error) {
	ctx, cancel := (*Mongo)(m).opCtx(ctx)
	defer cancel()
	var d types.Deployment
	err := m.coll().FindOne(ctx, bson.D{{Key: "_id", Value: deploymentID}}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, types.Ef(types.KindNotFound, "deployment %s not found", deploymentID)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (m *mongoDeployments) Update(ctx context.Context, d *types.Deployment) error {
	ctx, cancel := (*Mongo)(m).opCtx(ctx)
	defer cancel()
	res, err := m.coll().ReplaceOne(ctx, bson.D{{Key: "_id", Value: d.ID}}, d)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return types.Ef(types.KindNotFound, "deployment %s not found", d.ID)
	}
	return nil
}

func (m *mongoDeployments) List(ctx context.Context, ownerID string, limit int64) ([]types.Deployment, error) {
	ctx, cancel := (*Mongo)(m).opCtx(ctx)
	defer cancel()
	filter := bson.D{}
	if ownerID != "" {
		filter = bson.D{{Key: "ownerId", Value: ownerID}}
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}
	cur, err := m.coll().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var out []types.Deployment
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *mongoDeployments) ListNonTerminal(ctx context.Context) ([]types.Deployment, error) {
	ctx, cancel := (*Mongo)(m).opCtx(ctx)
	defer cancel()
	terminal := bson.A{
		types.StatusDeployed, types.StatusCancelled, types.StatusDestroyed,
		types.StatusRolledBack, types.StatusRollbackFailed,
	}
	filter := bson.D{{Key: "status", Value: bson.D{{Key: "$nin", Value: terminal}}}}
	cur, err := m.coll().Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, err
	}
	var out []types.Deployment
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type mongoSessions Mongo

func (m *mongoSessions) coll() *mongo.Collection { return m.db.Collection(CollSessions) }

func (m *mongoSessions) Put(ctx context.Context, s *types.StageSession) error {
	ctx, cancel := (*Mongo)(m).opCtx(ctx)
	defer cancel()
	_, err := m.coll().ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: s.DeploymentID}}, s,
		options.Replace().SetUpsert(true))
	return err
}

func (m *mongoSessions) Get(ctx context.Context, deploymentID string) (*types.StageSession, error) {
	ctx, cancel := (*Mongo)(m).opCtx(ctx)
	defer cancel()
	var s types.StageSession
	err := m.coll().FindOne(ctx, bson.D{{Key: "_id", Value: deploymentID}}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, types.Ef(types.KindNotFound, "stage session %s not found", deploymentID)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

type mongoHistory Mongo

func (m *mongoHistory) coll() *mongo.Collection { return m.db.Collection(CollHistory) }

func (m *mongoHistory) Append(ctx context.Context, rec types.CommandRecord) error {
	ctx, cancel := (*Mongo)(m).opCtx(ctx)
	defer cancel()
	_, err := m.coll().InsertOne(ctx, rec)
	return err
}

func (m *mongoHistory) ListForDeployment(ctx context.Context, deploymentID string, limit int64) ([]types.CommandRecord, error) {
	ctx, cancel := (*Mongo)(m).opCtx(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "startedAt", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}
	cur, err := m.coll().Find(ctx, bson.D{{Key: "deploymentId", Value: deploymentID}}, opts)
	if err != nil {
		return nil, err
	}
	var out []types.CommandRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type mongoJobs Mongo

func (m *mongoJobs) coll() *mongo.Collection { return m.db.Collection(CollJobs) }

func (m *mongoJobs) Put(ctx context.Context, j *types.Job) error {
	ctx, cancel := (*Mongo)(m).opCtx(ctx)
	defer cancel()
	_, err := m.coll().ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: j.ID}}, j,
		options.Replace().SetUpsert(true))
	return err
}

func (m *mongoJobs) Get(ctx context.Context, jobID string) (*types.Job, error) {
	ctx, cancel := (*Mongo)(m).opCtx(ctx)
	defer cancel()
	var j types.Job
	err := m.coll().FindOne(ctx, bson.D{{Key: "_id", Value: jobID}}).Decode(&j)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, types.Ef(types.KindNotFound, "job %s not found", jobID)
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (m *mongoJobs) ListByKind(ctx context.Context, kind types.JobKind, status types.JobStatus, limit int64) ([]types.Job, error) {
	ctx, cancel := (*Mongo)(m).opCtx(ctx)
	defer cancel()
	filter := bson.D{{Key: "kind", Value: kind}}
	if status != "" {
		filter = append(filter, bson.E{Key: "status", Value: status})
	}
	opts := options.Find().SetSort(bson.D{{Key: "enqueuedAt", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}
	cur, err := m.coll().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var out []types.Job
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *mongoJobs) PruneTerminal(ctx context.Context, kind types.JobKind, keepCompleted, keepFailed int64) error {
	ctx, cancel := (*Mongo)(m).opCtx(ctx)
	defer cancel()
	prune := func(status types.JobStatus, keep int64) error {
		filter := bson.D{{Key: "kind", Value: kind}, {Key: "status", Value: status}}
		opts := options.Find().
			SetSort(bson.D{{Key: "enqueuedAt", Value: -1}}).
			SetSkip(keep).
			SetProjection(bson.D{{Key: "_id", Value: 1}})
		cur, err := m.coll().Find(ctx, filter, opts)
		if err != nil {
			return err
		}
		var stale []struct {
			ID string `bson:"_id"`
		}
		if err := cur.All(ctx, &stale); err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		ids := make(bson.A, 0, len(stale))
		for _, s := range stale {
			ids = append(ids, s.ID)
		}
		_, err = m.coll().DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
		return err
	}
	if err := prune(types.JobCompleted, keepCompleted); err != nil {
		return err
	}
	return prune(types.JobFailed, keepFailed)
}

type mongoAudit Mongo

func (m *mongoAudit) coll() *mongo.Collection { return m.db.Collection(CollAudit) }

func (m *mongoAudit) InsertEntry(ctx context.Context, entry types.AuditEntry) error {
	ctx, cancel := (*Mongo)(m).opCtx(ctx)
	defer cancel()
	_, err := m.coll().InsertOne(ctx, entry)
	if mongo.IsDuplicateKeyError(err) {
		return types.Ef(types.KindInvalidInput, "duplicate audit hash %s", entry.Hash)
	}
	return err
}

func (m *mongoAudit) LatestForUser(ctx context.Context, userID string) (*types.AuditEntry, error) {
	ctx, cancel := (*Mongo)(m).opCtx(ctx)
	defer cancel()
	var entry types.AuditEntry
	err := m.coll().FindOne(ctx,
		bson.D{{Key: "userId", Value: userID}},
		options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}})).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (m *mongoAudit) FindEntries(ctx context.Context, filter types.AuditFilter, limit, offset int64) ([]types.AuditEntry, error) {
	ctx, cancel := (*Mongo)(m).opCtx(ctx)
	defer cancel()
	q := bson.D{}
	if filter.UserID != "" {
		q = append(q, bson.E{Key: "userId", Value: filter.UserID})
	}
	if filter.Action != "" {
		q = append(q, bson.E{Key: "action", Value: filter.Action})
	}
	if filter.ResourceType != "" {
		q = append(q, bson.E{Key: "resourceType", Value: filter.ResourceType})
	}
	if filter.ResourceID != "" {
		q = append(q, bson.E{Key: "resourceId", Value: filter.ResourceID})
	}
	ts := bson.D{}
	if !filter.Since.IsZero() {
		ts = append(ts, bson.E{Key: "$gte", Value: filter.Since})
	}
	if !filter.Until.IsZero() {
		ts = append(ts, bson.E{Key: "$lte", Value: filter.Until})
	}
	if len(ts) > 0 {
		q = append(q, bson.E{Key: "timestamp", Value: ts})
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if offset > 0 {
		opts = opts.SetSkip(offset)
	}
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}
	cur, err := m.coll().Find(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	var out []types.AuditEntry
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateEntry always fails: the audit collection is append-only.
func (m *mongoAudit) UpdateEntry(context.Context, types.AuditEntry) error {
	return ErrAuditImmutable()
}

// DeleteEntry always fails: the audit collection is append-only.
func (m *mongoAudit) DeleteEntry(context.Context, string) error {
	return ErrAuditImmutable()
}
