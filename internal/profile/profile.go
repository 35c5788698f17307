package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is the configuration to start the server.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo".
	Mode string
	// Addr is the binding address for server.
	Addr string
	// Port is the binding port for server.
	Port int
	// Data is the data directory.
	Data string
	// Driver is the database driver: sqlite, postgres or mysql.
	Driver string
	// DSN points to where the data is stored.
	DSN string
	// Version is the current version of the server.
	Version string
	// Secret signs and verifies user tokens.
	Secret string
	// AgentsFile is the YAML agent catalog.
	AgentsFile string

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	OllamaURL       string
	// Models restricts the model ids a turn may request. Empty allows any id
	// whose provider is configured.
	Models []string

	ArcadeAPIKey  string
	ArcadeBaseURL string

	// EmbeddingModel enables conversation recall when set.
	EmbeddingModel string

	MaxConcurrentTurns int
	CheckpointTimeout  time.Duration
	ToolTimeout        time.Duration
	RecursionLimit     int
	// AuthorizationWait bounds how long a turn polls a pending authorization
	// before suspending. Zero suspends immediately.
	AuthorizationWait time.Duration
}

const (
	DefaultMaxConcurrentTurns = 10
	DefaultCheckpointTimeout  = 5 * time.Second
	DefaultToolTimeout        = 30 * time.Second
	DefaultRecursionLimit     = 25
)

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		absDir, err := filepath.Abs(filepath.Join(filepath.Dir(os.Args[0]), dataDir))
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate fills defaults and checks the profile.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "parley")
		} else {
			p.Data = "/var/opt/parley"
		}
		if _, err := os.Stat(p.Data); os.IsNotExist(err) {
			if err := os.MkdirAll(p.Data, 0770); err != nil {
				slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
				return err
			}
		}
	}
	if p.Data == "" {
		p.Data = "."
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check dsn", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	switch p.Driver {
	case "sqlite":
		if p.DSN == "" {
			p.DSN = filepath.Join(dataDir, fmt.Sprintf("parley_%s.db", p.Mode))
		}
	case "postgres", "mysql":
		if p.DSN == "" {
			return errors.Errorf("dsn is required for driver %q", p.Driver)
		}
	default:
		return errors.Errorf("unsupported driver %q", p.Driver)
	}

	if p.MaxConcurrentTurns <= 0 {
		p.MaxConcurrentTurns = DefaultMaxConcurrentTurns
	}
	if p.CheckpointTimeout <= 0 {
		p.CheckpointTimeout = DefaultCheckpointTimeout
	}
	if p.ToolTimeout <= 0 {
		p.ToolTimeout = DefaultToolTimeout
	}
	if p.RecursionLimit <= 0 {
		p.RecursionLimit = DefaultRecursionLimit
	}
	if p.AuthorizationWait < 0 {
		p.AuthorizationWait = 0
	}
	return nil
}
