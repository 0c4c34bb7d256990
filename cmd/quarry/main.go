package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// app carries state shared by every command once flags and config are read.
type app struct {
	v      *viper.Viper
	cfg    Config
	logger *slog.Logger
}

func (a *app) open(ctx context.Context) (*backend, error) {
	return openBackend(ctx, a.cfg, a.logger)
}

// load merges flags, QUARRY_* variables and quarry.yaml, in that order of
// precedence, and sets up logging.
func (a *app) load(cmd *cobra.Command) error {
	if file, _ := cmd.Flags().GetString("config"); file != "" {
		a.v.SetConfigFile(file)
	} else {
		a.v.SetConfigName("quarry")
		a.v.SetConfigType("yaml")
		a.v.AddConfigPath(".")
		a.v.AddConfigPath("$HOME/.quarry")
	}
	a.v.SetEnvPrefix("QUARRY")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := a.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
	}
	if err := a.v.Unmarshal(&a.cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	level, ok := logLevels[strings.ToLower(a.cfg.LogLevel)]
	if !ok {
		level = slog.LevelWarn
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	a.logger.Debug("config loaded", "driver", a.cfg.Driver, "file", a.v.ConfigFileUsed())
	return nil
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:   "quarry",
		Short: "Compile and run searches against SQL, MongoDB and Elasticsearch stores",
		Long: `quarry compiles backend independent searches into native queries.

Searches are YAML documents:

  type: Customer
  where: status = "active" and some orders (total > 100)
  sorts:
    - property: name
  maxResults: 10

Configuration sources, highest precedence first: flags, QUARRY_* environment
variables, quarry.yaml in the working directory or $HOME/.quarry.

Examples:
  quarry --driver sqlite --dsn demo.db seed --customers 50
  quarry --driver sqlite --dsn demo.db search -f active.yaml
  quarry --driver postgres explain -f active.yaml`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default ./quarry.yaml)")
	flags.String("driver", driverSQLite, "backend: sqlite (gorm), sqlite-raw, postgres, mongo or elasticsearch")
	flags.String("dsn", "", "data source name or URL for the backend")
	flags.String("mongo-database", "quarry", "MongoDB database name")
	flags.String("log-level", "warn", "log level: debug, info, warn or error")
	flags.String("format", "json", "output format: json or yaml")
	flags.Int("max-results", 0, "cap on rows returned by any search (0 for none)")
	flags.Bool("metrics", false, "log executor call counts and latency on exit (needs --log-level info)")

	root.AddCommand(
		newSeedCommand(a),
		newSearchCommand(a),
		newCountCommand(a),
		newExplainCommand(a),
		newTypesCommand(),
	)
	return root
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
