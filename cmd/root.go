package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agentmem",
	Short: "Layered memory engine for conversational agents",
	Long: `agentmem keeps an agent's memories in tiers: a short-lived working
tier bounded by capacity, token budget and TTL, and long-term episodic,
semantic and perceptual tiers over an in-process, SQLite or Qdrant backend.

Examples:
  agentmem memory add --content "The auth service uses JWT with RS256"
  agentmem memory search --query "how does auth work" --limit 5
  agentmem memory consolidate --from working --to episodic --threshold 0.7
  agentmem serve --addr :8080 --maintenance
  agentmem mcp`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./agentmem.yaml or $HOME/.agentmem/agentmem.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().String("owner", "", "Owner id that partitions memories")
	rootCmd.PersistentFlags().String("backend", "", "Long-term backend (memory, sqlite, qdrant)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path for the sqlite backend")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("owner_id", rootCmd.PersistentFlags().Lookup("owner"))
	_ = viper.BindPFlag("backend.kind", rootCmd.PersistentFlags().Lookup("backend"))
	_ = viper.BindPFlag("backend.sqlite.path", rootCmd.PersistentFlags().Lookup("db"))

	setDefaults(viper.GetViper())
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("agentmem")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.agentmem")
		}
	}

	viper.SetEnvPrefix("AGENTMEM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			fmt.Fprintf(os.Stderr, "warning: read config: %v\n", err)
		}
	}
}

func setupLogger() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log.level"))); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(viper.GetString("log.format")) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text", "":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid --log-format %q (want text or json)", viper.GetString("log.format"))
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
