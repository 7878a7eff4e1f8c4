package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/urfave/cli/v2"

	"github.com/skyform-io/skyform/engine"
	"github.com/skyform-io/skyform/metrics"
	"github.com/skyform-io/skyform/types"
)

// stubBackend records calls and returns canned data. It never touches mongo
// or the cloud.
type stubBackend struct {
	deployments []types.Deployment
	session     *types.StageSession
	err         error

	listOwner   string
	listLimit   int64
	created     *engine.NewDeployment
	approvedID  string
	approvedBy  string
	approvedOK  bool
	comment     string
	cancelledID string
	reason      string
	rolledBack  string
	resumedID   string
	unlockedID  string
	unlockedBy  string
	closed      bool
}

func (s *stubBackend) ListDeployments(_ context.Context, ownerID string, limit int64) ([]types.Deployment, error) {
	s.listOwner, s.listLimit = ownerID, limit
	return s.deployments, s.err
}

func (s *stubBackend) GetDeployment(_ context.Context, id string) (*types.Deployment, *types.StageSession, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	for i := range s.deployments {
		if s.deployments[i].ID == id {
			return &s.deployments[i], s.session, nil
		}
	}
	return nil, nil, errors.New("deployment not found: " + id)
}

func (s *stubBackend) CreateDeployment(_ context.Context, in engine.NewDeployment) (*types.Deployment, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.created = &in
	d := types.Deployment{ID: "dep-new", Name: in.Name, Environment: in.Environment, Region: in.Region, OwnerID: in.OwnerID, Status: types.StatusInitial}
	return &d, nil
}

func (s *stubBackend) Approve(_ context.Context, id, userID, comment string, approved bool) (*types.Deployment, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.approvedID, s.approvedBy, s.comment, s.approvedOK = id, userID, comment, approved
	return &types.Deployment{ID: id, Status: types.StatusApproved}, nil
}

func (s *stubBackend) Cancel(_ context.Context, id, userID, reason string) (*types.Deployment, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.cancelledID, s.reason = id, reason
	_ = userID
	return &types.Deployment{ID: id, Status: types.StatusCancelled}, nil
}

func (s *stubBackend) Rollback(_ context.Context, id, userID string) (*types.Deployment, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.rolledBack = id
	_ = userID
	return &types.Deployment{ID: id, Status: types.StatusRollingBack}, nil
}

func (s *stubBackend) Resume(_ context.Context, id string) (*types.StageSession, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.resumedID = id
	if s.session != nil {
		return s.session, nil
	}
	return &types.StageSession{DeploymentID: id, CurrentStage: types.StageProvision}, nil
}

func (s *stubBackend) ForceUnlock(_ context.Context, id, adminID string) error {
	if s.err != nil {
		return s.err
	}
	s.unlockedID, s.unlockedBy = id, adminID
	return nil
}

func (s *stubBackend) Subscribe(string) (<-chan types.StreamEvent, func()) {
	ch := make(chan types.StreamEvent)
	close(ch)
	return ch, func() {}
}

func (s *stubBackend) Metrics() metrics.Snapshot {
	return metrics.Snapshot{CommandsSucceeded: 7}
}

func (s *stubBackend) Close(context.Context) error {
	s.closed = true
	return nil
}

// useBackend swaps the backend factory for the test.
func useBackend(t *testing.T, b Backend) {
	t.Helper()
	prev := openBackend
	openBackend = func(*cli.Context) (Backend, error) { return b, nil }
	t.Cleanup(func() { openBackend = prev })
}

// fakeEC2 is an in-memory EC2API.
type fakeEC2 struct {
	instances []ec2types.Instance

	started  []string
	stopped  []string
	rebooted []string
	forced   bool
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	matches := f.instances
	if len(in.InstanceIds) > 0 {
		matches = nil
		for _, inst := range f.instances {
			for _, id := range in.InstanceIds {
				if deref(inst.InstanceId) == id {
					matches = append(matches, inst)
				}
			}
		}
	}
	// Two reservations to exercise flattening.
	var reservations []ec2types.Reservation
	for _, inst := range matches {
		reservations = append(reservations, ec2types.Reservation{Instances: []ec2types.Instance{inst}})
	}
	return &ec2.DescribeInstancesOutput{Reservations: reservations}, nil
}

func (f *fakeEC2) StartInstances(_ context.Context, in *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	f.started = append(f.started, in.InstanceIds...)
	var changes []ec2types.InstanceStateChange
	for i := range in.InstanceIds {
		changes = append(changes, ec2types.InstanceStateChange{
			InstanceId:    &in.InstanceIds[i],
			PreviousState: &ec2types.InstanceState{Name: ec2types.InstanceStateNameStopped},
			CurrentState:  &ec2types.InstanceState{Name: ec2types.InstanceStateNamePending},
		})
	}
	return &ec2.StartInstancesOutput{StartingInstances: changes}, nil
}

func (f *fakeEC2) StopInstances(_ context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	f.stopped = append(f.stopped, in.InstanceIds...)
	f.forced = in.Force != nil && *in.Force
	var changes []ec2types.InstanceStateChange
	for i := range in.InstanceIds {
		changes = append(changes, ec2types.InstanceStateChange{
			InstanceId:    &in.InstanceIds[i],
			PreviousState: &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
			CurrentState:  &ec2types.InstanceState{Name: ec2types.InstanceStateNameStopping},
		})
	}
	return &ec2.StopInstancesOutput{StoppingInstances: changes}, nil
}

func (f *fakeEC2) RebootInstances(_ context.Context, in *ec2.RebootInstancesInput, _ ...func(*ec2.Options)) (*ec2.RebootInstancesOutput, error) {
	f.rebooted = append(f.rebooted, in.InstanceIds...)
	return &ec2.RebootInstancesOutput{}, nil
}

func useEC2(t *testing.T, api EC2API) {
	t.Helper()
	prev := openEC2
	openEC2 = func(*cli.Context) (EC2API, error) { return api, nil }
	t.Cleanup(func() { openEC2 = prev })
}

// newTestApp builds an app with all commands and a no-op exit handler so
// tests see the error instead of os.Exit.
func newTestApp() *cli.App {
	return &cli.App{
		Name:           "skyform",
		Writer:         io.Discard,
		ErrWriter:      io.Discard,
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			LoginCommand(),
			LogoutCommand(),
			WhoamiCommand(),
			DeploymentsCommand(),
			EC2Command(),
			VersionCommand("abc123"),
		},
	}
}

func runApp(t *testing.T, args ...string) error {
	t.Helper()
	return newTestApp().Run(append([]string{"skyform"}, args...))
}

// captureStdout runs fn with os.Stdout redirected to a pipe and returns what
// was written.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	prev := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = prev }()

	fn()
	_ = w.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	var coder cli.ExitCoder
	if !errors.As(err, &coder) {
		t.Fatalf("expected cli.ExitCoder, got %T: %v", err, err)
	}
	return coder.ExitCode()
}

func login(t *testing.T, user string) {
	t.Helper()
	t.Setenv("SKYFORM_HOME", t.TempDir())
	if err := runApp(t, "login", "--user", user); err != nil {
		t.Fatalf("login: %v", err)
	}
}

func TestLogin_PersistsCredentials(t *testing.T) {
	login(t, "alice")

	creds, err := LoadCredentials()
	if err != nil {
		t.Fatal(err)
	}
	if creds == nil || creds.UserID != "alice" {
		t.Fatalf("credentials = %+v, want alice", creds)
	}
}

func TestLogout_IsIdempotent(t *testing.T) {
	login(t, "alice")

	for i := 0; i < 2; i++ {
		if err := runApp(t, "logout"); err != nil {
			t.Fatalf("logout #%d: %v", i+1, err)
		}
	}
	creds, err := LoadCredentials()
	if err != nil {
		t.Fatal(err)
	}
	if creds != nil {
		t.Errorf("credentials survive logout: %+v", creds)
	}
}

func TestWhoami_NotLoggedIn(t *testing.T) {
	t.Setenv("SKYFORM_HOME", t.TempDir())

	err := runApp(t, "whoami")
	if code := exitCode(t, err); code != ExitUnauthenticated {
		t.Errorf("exit code = %d, want %d", code, ExitUnauthenticated)
	}
}

func TestWhoami_LoggedIn(t *testing.T) {
	login(t, "alice")

	out := captureStdout(t, func() {
		if err := runApp(t, "whoami", "--format", "json"); err != nil {
			t.Errorf("whoami: %v", err)
		}
	})
	if !strings.Contains(out, "alice") {
		t.Errorf("whoami output missing user: %q", out)
	}
}

func TestDeploymentsList_RendersRows(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	b := &stubBackend{deployments: []types.Deployment{
		{ID: "dep-001", Name: "web-tier", Environment: "production", Region: "us-east-1", Status: types.StatusDeployed, Version: 3, UpdatedAt: now},
		{ID: "dep-002", Name: "batch", Environment: "sandbox", Region: "us-west-2", Status: types.StatusPendingApproval, Version: 1, UpdatedAt: now},
	}}
	useBackend(t, b)

	out := captureStdout(t, func() {
		if err := runApp(t, "deployments", "list", "--format", "json", "--owner", "alice", "--limit", "10"); err != nil {
			t.Errorf("list: %v", err)
		}
	})

	for _, want := range []string{"dep-001", "dep-002", "PENDING_APPROVAL"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q", want)
		}
	}
	if b.listOwner != "alice" || b.listLimit != 10 {
		t.Errorf("list called with owner=%q limit=%d", b.listOwner, b.listLimit)
	}
	if !b.closed {
		t.Error("backend not closed")
	}
}

func TestDeploymentsList_BackendError(t *testing.T) {
	useBackend(t, &stubBackend{err: errors.New("store down")})

	err := runApp(t, "deployments", "list", "--format", "json")
	if code := exitCode(t, err); code != ExitFailure {
		t.Errorf("exit code = %d, want %d", code, ExitFailure)
	}
}

func TestDeploymentsGet_MissingArg(t *testing.T) {
	useBackend(t, &stubBackend{})

	err := runApp(t, "deployments", "get")
	if code := exitCode(t, err); code != ExitUsage {
		t.Errorf("exit code = %d, want %d", code, ExitUsage)
	}
}

func TestDeploymentsGet_RendersSession(t *testing.T) {
	b := &stubBackend{
		deployments: []types.Deployment{{ID: "dep-001", Name: "web-tier", Status: types.StatusDeploying}},
		session:     &types.StageSession{DeploymentID: "dep-001", CurrentStage: types.StageDeploy},
	}
	useBackend(t, b)

	out := captureStdout(t, func() {
		if err := runApp(t, "deployments", "get", "--format", "json", "dep-001"); err != nil {
			t.Errorf("get: %v", err)
		}
	})
	for _, want := range []string{"dep-001", "DEPLOY"} {
		if !strings.Contains(out, want) {
			t.Errorf("get output missing %q", want)
		}
	}
}

func TestDeploymentsCreate_RequiresLogin(t *testing.T) {
	t.Setenv("SKYFORM_HOME", t.TempDir())
	useBackend(t, &stubBackend{})

	err := runApp(t, "deployments", "create", "--name", "web-tier", "--region", "us-east-1")
	if code := exitCode(t, err); code != ExitUnauthenticated {
		t.Errorf("exit code = %d, want %d", code, ExitUnauthenticated)
	}
}

func TestDeploymentsCreate_OwnerFromCredentials(t *testing.T) {
	login(t, "alice")
	b := &stubBackend{}
	useBackend(t, b)

	_ = captureStdout(t, func() {
		if err := runApp(t, "deployments", "create",
			"--format", "json",
			"--name", "web-tier",
			"--region", "us-east-1",
			"--environment", "production",
			"--repo", "https://github.com/acme/web",
			"--branch", "main",
			"--budget", "120.5"); err != nil {
			t.Errorf("create: %v", err)
		}
	})

	if b.created == nil {
		t.Fatal("create never reached the backend")
	}
	if b.created.OwnerID != "alice" {
		t.Errorf("owner = %q, want alice", b.created.OwnerID)
	}
	if b.created.Environment != "production" || b.created.BudgetUSD != 120.5 {
		t.Errorf("create input = %+v", b.created)
	}
}

func TestDeploymentsApprove_RejectFlag(t *testing.T) {
	login(t, "alice")
	b := &stubBackend{}
	useBackend(t, b)

	_ = captureStdout(t, func() {
		if err := runApp(t, "deployments", "approve", "--format", "json", "--reject", "--comment", "over budget", "dep-001"); err != nil {
			t.Errorf("approve: %v", err)
		}
	})

	if b.approvedID != "dep-001" || b.approvedBy != "alice" {
		t.Errorf("approve recorded id=%q by=%q", b.approvedID, b.approvedBy)
	}
	if b.approvedOK {
		t.Error("--reject should record a rejection")
	}
	if b.comment != "over budget" {
		t.Errorf("comment = %q", b.comment)
	}
}

func TestDeploymentsCancel_PassesReason(t *testing.T) {
	login(t, "alice")
	b := &stubBackend{}
	useBackend(t, b)

	_ = captureStdout(t, func() {
		if err := runApp(t, "deployments", "cancel", "--format", "json", "--reason", "superseded", "dep-001"); err != nil {
			t.Errorf("cancel: %v", err)
		}
	})
	if b.cancelledID != "dep-001" || b.reason != "superseded" {
		t.Errorf("cancel recorded id=%q reason=%q", b.cancelledID, b.reason)
	}
}

func TestDeploymentsRollback(t *testing.T) {
	login(t, "alice")
	b := &stubBackend{}
	useBackend(t, b)

	_ = captureStdout(t, func() {
		if err := runApp(t, "deployments", "rollback", "--format", "json", "dep-001"); err != nil {
			t.Errorf("rollback: %v", err)
		}
	})
	if b.rolledBack != "dep-001" {
		t.Errorf("rollback recorded %q", b.rolledBack)
	}
}

func TestDeploymentsResume_ReportsQueue(t *testing.T) {
	login(t, "alice")
	b := &stubBackend{session: &types.StageSession{
		DeploymentID: "dep-001",
		CurrentStage: types.StageProvision,
		Queue: types.QueueSnapshot{
			Commands:  []types.Command{{ID: "c1", Command: "terraform init"}, {ID: "c2", Command: "terraform apply"}},
			IsBlocked: false,
		},
	}}
	useBackend(t, b)

	out := captureStdout(t, func() {
		if err := runApp(t, "deployments", "resume", "--format", "json", "dep-001"); err != nil {
			t.Errorf("resume: %v", err)
		}
	})
	if b.resumedID != "dep-001" {
		t.Errorf("resume recorded %q", b.resumedID)
	}
	for _, want := range []string{"PROVISION", `"queuedCommands": 2`} {
		if !strings.Contains(out, want) {
			t.Errorf("resume output missing %q", want)
		}
	}
}

func TestDeploymentsGet_StatsFlag(t *testing.T) {
	b := &stubBackend{
		deployments: []types.Deployment{{ID: "dep-001", Status: types.StatusDeployed}},
	}
	useBackend(t, b)

	out := captureStdout(t, func() {
		if err := runApp(t, "deployments", "get", "--format", "json", "--stats", "dep-001"); err != nil {
			t.Errorf("get --stats: %v", err)
		}
	})
	if !strings.Contains(out, `"commandsSucceeded": 7`) {
		t.Errorf("stats missing from output: %q", out)
	}
}

func TestDeploymentsUnlock_RequiresForce(t *testing.T) {
	login(t, "alice")
	useBackend(t, &stubBackend{})

	err := runApp(t, "deployments", "unlock", "dep-001")
	if code := exitCode(t, err); code != ExitUsage {
		t.Errorf("exit code = %d, want %d", code, ExitUsage)
	}
}

func TestDeploymentsUnlock_RecordsAdmin(t *testing.T) {
	login(t, "alice")
	b := &stubBackend{}
	useBackend(t, b)

	_ = captureStdout(t, func() {
		if err := runApp(t, "deployments", "unlock", "--format", "json", "--force", "dep-001"); err != nil {
			t.Errorf("unlock: %v", err)
		}
	})
	if b.unlockedID != "dep-001" || b.unlockedBy != "alice" {
		t.Errorf("unlock recorded id=%q by=%q", b.unlockedID, b.unlockedBy)
	}
}

func ec2Fixture() *fakeEC2 {
	id1, id2 := "i-0abc", "i-0def"
	name := "Name"
	web := "web-1"
	ip := "54.1.2.3"
	return &fakeEC2{instances: []ec2types.Instance{
		{
			InstanceId:      &id1,
			InstanceType:    ec2types.InstanceTypeT3Micro,
			State:           &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
			PublicIpAddress: &ip,
			Tags:            []ec2types.Tag{{Key: &name, Value: &web}},
		},
		{
			InstanceId:   &id2,
			InstanceType: ec2types.InstanceTypeT3Small,
			State:        &ec2types.InstanceState{Name: ec2types.InstanceStateNameStopped},
		},
	}}
}

func TestEC2List_FlattensReservations(t *testing.T) {
	useEC2(t, ec2Fixture())

	out := captureStdout(t, func() {
		if err := runApp(t, "ec2", "list", "--format", "json"); err != nil {
			t.Errorf("ec2 list: %v", err)
		}
	})
	for _, want := range []string{"i-0abc", "i-0def", "web-1", "running", "stopped"} {
		if !strings.Contains(out, want) {
			t.Errorf("ec2 list output missing %q", want)
		}
	}
}

func TestEC2Describe_FiltersByID(t *testing.T) {
	useEC2(t, ec2Fixture())

	out := captureStdout(t, func() {
		if err := runApp(t, "ec2", "describe", "--format", "json", "i-0def"); err != nil {
			t.Errorf("ec2 describe: %v", err)
		}
	})
	if !strings.Contains(out, "i-0def") {
		t.Errorf("describe output missing instance: %q", out)
	}
	if strings.Contains(out, "i-0abc") {
		t.Errorf("describe returned unrequested instance: %q", out)
	}
}

func TestEC2Describe_MissingArg(t *testing.T) {
	useEC2(t, ec2Fixture())

	err := runApp(t, "ec2", "describe")
	if code := exitCode(t, err); code != ExitUsage {
		t.Errorf("exit code = %d, want %d", code, ExitUsage)
	}
}

func TestEC2Start_RequiresLogin(t *testing.T) {
	t.Setenv("SKYFORM_HOME", t.TempDir())
	useEC2(t, ec2Fixture())

	err := runApp(t, "ec2", "start", "i-0def")
	if code := exitCode(t, err); code != ExitUnauthenticated {
		t.Errorf("exit code = %d, want %d", code, ExitUnauthenticated)
	}
}

func TestEC2Start_ReportsTransition(t *testing.T) {
	login(t, "alice")
	api := ec2Fixture()
	useEC2(t, api)

	out := captureStdout(t, func() {
		if err := runApp(t, "ec2", "start", "--format", "json", "i-0def"); err != nil {
			t.Errorf("ec2 start: %v", err)
		}
	})
	if len(api.started) != 1 || api.started[0] != "i-0def" {
		t.Errorf("started = %v", api.started)
	}
	for _, want := range []string{"stopped", "pending"} {
		if !strings.Contains(out, want) {
			t.Errorf("start output missing %q", want)
		}
	}
}

func TestEC2Stop_ForceFlag(t *testing.T) {
	login(t, "alice")
	api := ec2Fixture()
	useEC2(t, api)

	_ = captureStdout(t, func() {
		if err := runApp(t, "ec2", "stop", "--format", "json", "--force", "i-0abc"); err != nil {
			t.Errorf("ec2 stop: %v", err)
		}
	})
	if len(api.stopped) != 1 || api.stopped[0] != "i-0abc" {
		t.Errorf("stopped = %v", api.stopped)
	}
	if !api.forced {
		t.Error("--force not propagated")
	}
}

func TestEC2Reboot(t *testing.T) {
	login(t, "alice")
	api := ec2Fixture()
	useEC2(t, api)

	out := captureStdout(t, func() {
		if err := runApp(t, "ec2", "reboot", "--format", "json", "i-0abc", "i-0def"); err != nil {
			t.Errorf("ec2 reboot: %v", err)
		}
	})
	if len(api.rebooted) != 2 {
		t.Errorf("rebooted = %v", api.rebooted)
	}
	if !strings.Contains(out, "rebooting") {
		t.Errorf("reboot output missing state: %q", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out := captureStdout(t, func() {
		if err := runApp(t, "version", "--format", "json"); err != nil {
			t.Errorf("version: %v", err)
		}
	})
	for _, want := range []string{types.Version, "abc123"} {
		if !strings.Contains(out, want) {
			t.Errorf("version output missing %q", want)
		}
	}
}
