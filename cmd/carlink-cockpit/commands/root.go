package commands

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"carlink/internal/bootstrap"
	"carlink/internal/config"
)

// Version is set at build time
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "carlink-cockpit",
	Short: "Driver station for carlink vehicles",
	Long: `carlink-cockpit discovers vehicles on the local network, connects to one
and forwards joystick input to it. Without a subcommand it runs the web API,
discovery and the joystick bridge until interrupted.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer cancel()
		log.Printf("[cfg] web=%s joystick=%s db=%s", cfg.Cockpit.WebAddr, cfg.Cockpit.JoystickAddr, cfg.Cockpit.RegistryDB)
		return bootstrap.RunCockpit(ctx, cfg)
	},
}

// Execute runs the root command
func Execute() error {
	if err := godotenv.Load(); err != nil {
		log.Printf("[cfg] no .env file loaded: %v", err)
	}
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default $CARLINK_CONFIG or "+config.DefaultPath+")")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(carsCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(configCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		cfg.Verbose = true
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("carlink-cockpit %s\n", Version)
	},
}
