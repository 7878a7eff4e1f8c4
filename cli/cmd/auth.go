package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/skyform-io/skyform/cli/render"
)

// Credentials is the operator identity persisted by login.
type Credentials struct {
	UserID string `yaml:"user_id" json:"userId"`
	APIKey string `yaml:"api_key,omitempty" json:"-"`
}

// credentialsPath returns the credentials file location: $SKYFORM_HOME when
// set, otherwise ~/.config/skyform.
func credentialsPath() (string, error) {
	if home := os.Getenv("SKYFORM_HOME"); home != "" {
		return filepath.Join(home, "credentials.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "skyform", "credentials.yaml"), nil
}

// LoadCredentials reads the persisted credentials, or nil when not logged in.
func LoadCredentials() (*Credentials, error) {
	path, err := credentialsPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read credentials: %w", err)
	}
	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials file %s: %w", path, err)
	}
	if creds.UserID == "" {
		return nil, nil
	}
	return &creds, nil
}

func saveCredentials(creds *Credentials) error {
	path, err := credentialsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create credentials directory: %w", err)
	}
	data, err := yaml.Marshal(creds)
	if err != nil {
		return err
	}
	// 0600: the file may hold an API key.
	return os.WriteFile(path, data, 0o600)
}

// requireUser returns the logged-in user id, or an exit-code-3 error.
func requireUser() (string, error) {
	creds, err := LoadCredentials()
	if err != nil {
		return "", opFailure(err)
	}
	if creds == nil {
		return "", cli.Exit("not logged in: run `skyform login`", ExitUnauthenticated)
	}
	return creds.UserID, nil
}

// LoginCommand returns the login command.
func LoginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Store operator credentials",
		Flags: append(MutatingFlags(),
			&cli.StringFlag{
				Name:     "user",
				Aliases:  []string{"u"},
				Usage:    "Operator user id",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "api-key",
				Usage: "AI service API key (optional; SKYFORM_AI_API_KEY also works)",
			},
		),
		Action: loginAction,
	}
}

func loginAction(c *cli.Context) error {
	creds := &Credentials{
		UserID: c.String("user"),
		APIKey: c.String("api-key"),
	}
	if err := saveCredentials(creds); err != nil {
		return opFailure(err)
	}
	fmt.Fprintf(c.App.Writer, "Logged in as %s\n", creds.UserID)
	return nil
}

// LogoutCommand returns the logout command. Logout is idempotent.
func LogoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "Remove stored operator credentials",
		Flags:  MutatingFlags(),
		Action: logoutAction,
	}
}

func logoutAction(c *cli.Context) error {
	path, err := credentialsPath()
	if err != nil {
		return opFailure(err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return opFailure(err)
	}
	fmt.Fprintln(c.App.Writer, "Logged out")
	return nil
}

// WhoamiCommand returns the whoami command.
func WhoamiCommand() *cli.Command {
	return &cli.Command{
		Name:   "whoami",
		Usage:  "Show the logged-in operator",
		Flags:  ReadOnlyFlags(),
		Action: whoamiAction,
	}
}

func whoamiAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError(err.Error())
	}
	creds, err := LoadCredentials()
	if err != nil {
		return opFailure(err)
	}
	if creds == nil {
		return cli.Exit("not logged in", ExitUnauthenticated)
	}
	return r.Render(creds)
}
