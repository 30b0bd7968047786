package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	coreconfig "github.com/warelay/warelay/core/config"
	"github.com/warelay/warelay/pkg/crypto"
	"github.com/warelay/warelay/pkg/utils"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warelay",
	Short: "WhatsApp relay backend with pooled key-value storage and message batching",
	Long: `warelay queues outbound chat messages, coalesces them into per-recipient
batches and forwards dispatch events to the configured delivery webhooks.`,
}

var (
	flagPort     string
	flagDebug    bool
	flagMinConns int
	flagMaxConns int
)

func init() {
	// Load environment variables first
	utils.LoadConfig(".")

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	initFlags()
	cobra.OnInitialize(initEnvConfig, initApp)
}

func initFlags() {
	rootCmd.PersistentFlags().StringVarP(
		&flagPort,
		"port", "p",
		"",
		"change port number with --port <number> | example: --port=8080",
	)
	rootCmd.PersistentFlags().BoolVarP(
		&flagDebug,
		"debug", "d",
		false,
		"hide or displaying log with --debug <true/false> | example: --debug=true",
	)
	rootCmd.PersistentFlags().IntVarP(
		&flagMinConns,
		"pool-min-connections", "",
		0,
		"minimum pooled key-value connections --pool-min-connections <number>",
	)
	rootCmd.PersistentFlags().IntVarP(
		&flagMaxConns,
		"pool-max-connections", "",
		0,
		"maximum pooled key-value connections --pool-max-connections <number>",
	)
}

// initEnvConfig loads the structured configuration and applies flag overrides.
func initEnvConfig() {
	cfg, err := coreconfig.LoadConfig()
	if err != nil {
		logrus.Fatalf("failed to load configuration: %v", err)
	}

	if flagPort != "" {
		cfg.App.Port = flagPort
	}
	if flagDebug || viper.GetBool("app_debug") {
		cfg.App.Debug = true
	}
	if flagMinConns > 0 {
		cfg.Pool.MinConns = flagMinConns
	}
	if flagMaxConns > 0 {
		cfg.Pool.MaxConns = flagMaxConns
	}
}

func initApp() {
	cfg := coreconfig.Global

	if cfg.App.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := utils.CreateFolder(cfg.Paths.Storages); err != nil {
		logrus.Errorln(err)
	}

	if err := crypto.SetEncryptionKey(cfg.Security.SecretKey); err != nil {
		logrus.WithError(err).Warn("[APP] Failed to set encryption key")
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
