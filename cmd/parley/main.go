package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/parleyhq/parley/internal/authz"
	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/checkpoint"
	"github.com/parleyhq/parley/internal/ledger"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/profile"
	"github.com/parleyhq/parley/internal/toolset"
	"github.com/parleyhq/parley/internal/turn"
	"github.com/parleyhq/parley/plugin/a2a"
	"github.com/parleyhq/parley/plugin/arcade"
	"github.com/parleyhq/parley/plugin/llm"
	"github.com/parleyhq/parley/plugin/mcp"
	"github.com/parleyhq/parley/plugin/vectorstore"
	"github.com/parleyhq/parley/server"
	apiv1 "github.com/parleyhq/parley/server/router/api/v1"
	"github.com/parleyhq/parley/store"
	"github.com/parleyhq/parley/store/db"
)

const version = "0.1.0"

var (
	rootCmd = &cobra.Command{
		Use:   "parley",
		Short: `An agent orchestration server with checkpointed, streamed conversations.`,
		Run: func(_ *cobra.Command, _ []string) {
			instanceProfile := newProfile()
			if err := instanceProfile.Validate(); err != nil {
				panic(err)
			}
			setupLogger(instanceProfile)

			ctx, cancel := context.WithCancel(context.Background())
			s, err := newServer(ctx, instanceProfile)
			if err != nil {
				cancel()
				slog.Error("failed to create server", "error", err)
				return
			}

			c := make(chan os.Signal, 1)
			// Trigger graceful shutdown on SIGINT or SIGTERM.
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)

			if err := s.Start(ctx); err != nil {
				cancel()
				slog.Error("failed to start server", "error", err)
				return
			}

			printGreetings(instanceProfile)

			go func() {
				<-c
				s.Shutdown(ctx)
				cancel()
			}()

			// Wait for CTRL-C.
			<-ctx.Done()
		},
	}

	tokenCmd = &cobra.Command{
		Use:   "token <user-id>",
		Short: "Print an access token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, err := cmd.Flags().GetDuration("ttl")
			if err != nil {
				return err
			}
			token, err := apiv1.GenerateAccessToken(viper.GetString("secret"), args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
)

func newProfile() *profile.Profile {
	return &profile.Profile{
		Mode:               viper.GetString("mode"),
		Addr:               viper.GetString("addr"),
		Port:               viper.GetInt("port"),
		Data:               viper.GetString("data"),
		Driver:             viper.GetString("driver"),
		DSN:                viper.GetString("dsn"),
		Version:            version,
		Secret:             viper.GetString("secret"),
		AgentsFile:         viper.GetString("agents"),
		OpenAIAPIKey:       viper.GetString("openai-api-key"),
		OpenAIBaseURL:      viper.GetString("openai-base-url"),
		AnthropicAPIKey:    viper.GetString("anthropic-api-key"),
		OllamaURL:          viper.GetString("ollama-url"),
		Models:             viper.GetStringSlice("models"),
		ArcadeAPIKey:       viper.GetString("arcade-api-key"),
		ArcadeBaseURL:      viper.GetString("arcade-base-url"),
		EmbeddingModel:     viper.GetString("embedding-model"),
		MaxConcurrentTurns: viper.GetInt("max-concurrent-turns"),
		CheckpointTimeout:  viper.GetDuration("checkpoint-timeout"),
		ToolTimeout:        viper.GetDuration("tool-timeout"),
		RecursionLimit:     viper.GetInt("recursion-limit"),
		AuthorizationWait:  viper.GetDuration("authorization-wait"),
	}
}

func setupLogger(p *profile.Profile) {
	var handler slog.Handler
	if p.IsDev() {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	slog.SetDefault(slog.New(handler))
}

func newServer(ctx context.Context, p *profile.Profile) (*server.Server, error) {
	dbDriver, err := db.NewDBDriver(p)
	if err != nil {
		return nil, err
	}
	storeInstance := store.New(dbDriver)
	if err := storeInstance.Migrate(ctx); err != nil {
		_ = storeInstance.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	llmConfig := llm.Config{
		OpenAIAPIKey:    p.OpenAIAPIKey,
		OpenAIBaseURL:   p.OpenAIBaseURL,
		AnthropicAPIKey: p.AnthropicAPIKey,
		OllamaURL:       p.OllamaURL,
		Allowed:         p.Models,
	}

	var recall *vectorstore.Store
	if p.EmbeddingModel != "" {
		embed, err := vectorstore.NewEmbeddingFunc(p.EmbeddingModel, llmConfig)
		if err != nil {
			return nil, err
		}
		if recall, err = vectorstore.New(p.Data, embed); err != nil {
			return nil, err
		}
	}

	agents, err := catalog.Load(p.AgentsFile)
	if err != nil {
		return nil, err
	}
	localTools, err := toolset.NewRegistry(toolset.DefaultLocalTools(recall)...)
	if err != nil {
		return nil, err
	}
	threadLedger, err := ledger.New(storeInstance, recall, nil)
	if err != nil {
		return nil, err
	}
	arcadeBaseURL := p.ArcadeBaseURL
	if arcadeBaseURL == "" {
		arcadeBaseURL = arcade.DefaultBaseURL
	}

	turns := turn.NewService(turn.Config{
		Agents:      agents,
		Credentials: catalog.NewCredentials(p),
		Models:      llm.NewRegistry(llmConfig),
		Resolver: toolset.NewResolver(
			localTools,
			mcp.NewClient("parley", version, p.ToolTimeout, nil),
			a2a.NewClient(p.ToolTimeout),
			toolset.WithArcadeFactory(func(cfg arcade.Config) *arcade.Client { return arcade.NewClient(cfg, p.ToolTimeout) }),
		),
		Saver:         checkpoint.NewSaver(storeInstance, p.CheckpointTimeout, metrics, nil),
		Ledger:        threadLedger,
		Authorization: authz.NewController(p.AuthorizationWait, nil),
		Options: turn.Options{
			MaxConcurrentTurns: p.MaxConcurrentTurns,
			RecursionLimit:     p.RecursionLimit,
			ToolTimeout:        p.ToolTimeout,
			DefaultModel:       defaultModel(p),
			ArcadeBaseURL:      arcadeBaseURL,
		},
		Metrics: metrics,
	})
	slog.Info("agent catalog loaded", "agents", agents.Len(), "local_tools", localTools.Names())

	return server.NewServer(ctx, p, storeInstance, turns, registry)
}

// defaultModel serves ad hoc turns: the first allowed model, else the first
// configured provider's usual model.
func defaultModel(p *profile.Profile) string {
	switch {
	case len(p.Models) > 0:
		return p.Models[0]
	case p.OpenAIAPIKey != "":
		return "openai:gpt-4o-mini"
	case p.AnthropicAPIKey != "":
		return "anthropic:claude-3-5-haiku-latest"
	case p.OllamaURL != "":
		return "ollama:llama3.1"
	default:
		return ""
	}
}

func init() {
	// .env is optional.
	_ = godotenv.Load()

	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 8081)
	viper.SetDefault("max-concurrent-turns", profile.DefaultMaxConcurrentTurns)
	viper.SetDefault("checkpoint-timeout", profile.DefaultCheckpointTimeout)
	viper.SetDefault("tool-timeout", profile.DefaultToolTimeout)
	viper.SetDefault("recursion-limit", profile.DefaultRecursionLimit)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 8081, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "sqlite", "database driver: sqlite, postgres or mysql")
	rootCmd.PersistentFlags().String("dsn", "", "database source name(aka. DSN)")
	rootCmd.PersistentFlags().String("secret", "", "secret that signs access tokens")
	rootCmd.PersistentFlags().String("agents", "", "path to the agent catalog YAML file")
	rootCmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key")
	rootCmd.PersistentFlags().String("openai-base-url", "", "OpenAI compatible base URL")
	rootCmd.PersistentFlags().String("anthropic-api-key", "", "Anthropic API key")
	rootCmd.PersistentFlags().String("ollama-url", "", "Ollama server URL")
	rootCmd.PersistentFlags().StringSlice("models", nil, "model ids turns may use, e.g. openai:gpt-4o")
	rootCmd.PersistentFlags().String("arcade-api-key", "", "managed tool provider API key")
	rootCmd.PersistentFlags().String("arcade-base-url", "", "managed tool provider base URL")
	rootCmd.PersistentFlags().String("embedding-model", "", "embedding model for conversation recall, e.g. openai:text-embedding-3-small")
	rootCmd.PersistentFlags().Int("max-concurrent-turns", profile.DefaultMaxConcurrentTurns, "turns that may run at once")
	rootCmd.PersistentFlags().Duration("checkpoint-timeout", profile.DefaultCheckpointTimeout, "timeout of one checkpoint store operation")
	rootCmd.PersistentFlags().Duration("tool-timeout", profile.DefaultToolTimeout, "timeout of one tool call")
	rootCmd.PersistentFlags().Int("recursion-limit", profile.DefaultRecursionLimit, "graph steps allowed per turn")
	rootCmd.PersistentFlags().Duration("authorization-wait", 0, "how long a turn waits for a pending tool authorization")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		panic(err)
	}

	viper.SetEnvPrefix("parley")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	tokenCmd.Flags().Duration("ttl", 0, "token lifetime, zero never expires")
	rootCmd.AddCommand(tokenCmd)
}

func printGreetings(p *profile.Profile) {
	if p.IsDev() {
		println("Development mode is enabled")
		println("DSN: ", p.DSN)
	}
	fmt.Printf(`---
Server profile
version: %s
data: %s
addr: %s
port: %d
mode: %s
driver: %s
---
`, p.Version, p.Data, p.Addr, p.Port, p.Mode, p.Driver)
	fmt.Printf("Parley is up and running at http://%s:%d\n", p.Addr, p.Port)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
