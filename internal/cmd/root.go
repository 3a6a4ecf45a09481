package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/specrunhq/specrun/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "specrun",
	Short: "Supervisor for autonomous spec-build worker runs",
	Long: `Specrun supervises specflow worker processes that execute autonomous
spec builds. It spawns one worker per spec, parses the worker's streaming
output into structured events, flags runs that go silent, and renders
progress for every concurrent run.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/specrun/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.PersistentFlags().String("worker", "", "path to the specflow worker executable")
	_ = viper.BindPFlag("worker.entry_point", rootCmd.PersistentFlags().Lookup("worker"))

	rootCmd.PersistentFlags().StringP("project-dir", "p", "", "project workspace passed to the worker")
	_ = viper.BindPFlag("worker.project_dir", rootCmd.PersistentFlags().Lookup("project-dir"))

	rootCmd.PersistentFlags().String("model", "", "model override for worker runs")
	_ = viper.BindPFlag("worker.model", rootCmd.PersistentFlags().Lookup("model"))

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "pass --verbose to the worker")
	_ = viper.BindPFlag("worker.verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SPECRUN")
	// SPECRUN_WORKER_ENTRY_POINT for worker.entry_point, etc.
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
