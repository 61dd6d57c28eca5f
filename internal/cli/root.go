// Package cli implements the ordersaga command line.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/buildtall-systems/ordersaga/internal/config"
	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ordersaga",
	Short: "Order, inventory and payment saga coordinator",
	Long: `ordersaga places orders and drives them to CONFIRMED, REJECTED or CANCELLED
by coordinating inventory reservation and payment, either through events
(choreography) or from a central orchestrator (orchestration).`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./ordersaga.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "development logging")
	rootCmd.PersistentFlags().String("database", "", "SQLite database path")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("database"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("ordersaga")
	}

	viper.SetEnvPrefix("ORDERSAGA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

// openDB loads config and opens a migrated database for the admin commands.
func openDB() (*config.Config, *db.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		_ = database.Close()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	return cfg, database, nil
}
