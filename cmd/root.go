package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/deepscan/internal/config"
	"github.com/andresmejia3/deepscan/internal/detector"
	"github.com/andresmejia3/deepscan/internal/logging"
	"github.com/andresmejia3/deepscan/internal/store"
	"github.com/andresmejia3/deepscan/internal/utils"
	"github.com/andresmejia3/deepscan/internal/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	// DB is opened on demand by the commands that need run history.
	DB *store.Store
	// dbURL overrides the POSTGRES_* environment.
	dbURL string

	cfgFile  string
	logLevel string

	cfg *config.Config
	log = zap.NewNop()
)

// Version is the application version.
const Version = "0.1.0"

// flagKeys maps command-line flags to config keys. Only flags a command
// actually defines are bound.
var flagKeys = map[string]string{
	"sample-rate":         "analysis.sample_rate",
	"concurrency":         "analysis.concurrency",
	"skip-failed-faces":   "analysis.skip_failed_faces",
	"model":               "engine.model",
	"weights":             "engine.weights",
	"engines":             "engine.count",
	"python":              "engine.python",
	"script":              "engine.script",
	"timeout":             "engine.timeout",
	"detection-threshold": "engine.detection_threshold",
	"codec":               "output.codec",
	"format":              "output.report_format",
	"metrics-file":        "output.metrics_file",
	"notify":              "notify.url",
	"notify-topic":        "notify.topic",
	"upload-endpoint":     "upload.endpoint",
	"upload-bucket":       "upload.bucket",
	"log-level":           "log.level",
}

var rootCmd = &cobra.Command{
	Use:           "deepscan",
	Short:         "Deepfake video analysis",
	Version:       Version, // This enables the --version flag
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := config.New(cfgFile)
		if err := bindFlags(v, cmd.Flags()); err != nil {
			return err
		}
		c, err := config.Load(v)
		if err != nil {
			return err
		}
		cfg = c

		l, err := logging.New(cfg.Log.Level, cfg.Log.Development)
		if err != nil {
			return err
		}
		log = l
		log.Debug("configuration loaded", zap.String("file", v.ConfigFileUsed()))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
			DB = nil
		}
		_ = log.Sync()
	},
}

// bindFlags points the config keys in flagKeys at the matching flags in fs.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// openStore connects to the run history database, once per process.
func openStore(ctx context.Context) (*store.Store, error) {
	if DB != nil {
		return DB, nil
	}
	conn := dbURL
	if conn == "" {
		cc, err := store.LoadConnConfig()
		if err != nil {
			return nil, err
		}
		conn = cc.String()
	}
	s, err := store.New(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	DB = s
	return DB, nil
}

// engineCommand digs the failing engine process out of err so its stderr can
// be shown.
func engineCommand(err error) *utils.SafeCommand {
	var engErr *worker.EngineError
	if errors.As(err, &engErr) {
		return engErr.Cmd
	}
	return nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if cmd, err := rootCmd.ExecuteContextC(ctx); err != nil {
		utils.ShowError(cmd.CommandPath()+" failed", err, engineCommand(err))
		os.Exit(1)
	}
}

func init() {
	config.KnownModels = detector.Known

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: deepscan.yaml in ., ~/.config/deepscan, /etc/deepscan)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: from POSTGRES_* or DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}
