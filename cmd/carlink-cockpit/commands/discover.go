package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"carlink/internal/bootstrap"
	"carlink/internal/registry"
	"carlink/internal/session"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Browse for vehicles and print what was found",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		window, _ := cmd.Flags().GetDuration("window")
		if window <= 0 {
			window = cfg.Discovery.BrowseWindow
		}

		cp, err := bootstrap.OpenCockpit(cfg)
		if err != nil {
			return err
		}
		defer cp.Close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer cancel()
		cmd.Printf("Browsing %s for %s...\n", cfg.Discovery.ServiceType, window)
		if err := cp.Directory.Discover(ctx, window); err != nil {
			return err
		}
		printCars(cmd, cp.Cars.List())
		return nil
	},
}

var carsCmd = &cobra.Command{
	Use:   "cars",
	Short: "List cached vehicles",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cp, err := bootstrap.OpenCockpit(cfg)
		if err != nil {
			return err
		}
		defer cp.Close()

		if rm, _ := cmd.Flags().GetString("remove"); rm != "" {
			if !cp.Cars.Remove(rm) {
				return fmt.Errorf("no cached car %q", rm)
			}
			cmd.Printf("Removed %s\n", rm)
			return nil
		}
		printCars(cmd, cp.Cars.List())
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping <host:port>",
	Short: "Measure the control-session round trip to a vehicle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		ctx := cmd.Context()

		c, err := session.Dial(ctx, args[0])
		if err != nil {
			return err
		}
		defer c.Close()

		for i := 0; i < count; i++ {
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			rtt, err := c.RoundTrip(pctx)
			cancel()
			if err != nil {
				return err
			}
			cmd.Printf("pong from %s: time=%s\n", args[0], rtt.Round(time.Microsecond))
			if i+1 < count {
				time.Sleep(time.Second)
			}
		}
		return nil
	},
}

func init() {
	discoverCmd.Flags().Duration("window", 0, "how long to browse (default discovery.browse_window)")
	carsCmd.Flags().String("remove", "", "remove the car with this id from the cache")
	pingCmd.Flags().IntP("count", "c", 3, "number of pings")
}

func printCars(cmd *cobra.Command, cars []registry.Car) {
	if len(cars) == 0 {
		cmd.Println("No cars found.")
		return
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NUMBER\tDRIVER\tTEAM\tADDRESS\tVERSION\tSTATUS")
	for _, c := range cars {
		fmt.Fprintf(tw, "#%d\t%s\t%s\t%s\t%s\t%s\n", c.Number, c.Driver, c.Team, c.ID, c.Version, c.Status)
	}
	_ = tw.Flush()
}
