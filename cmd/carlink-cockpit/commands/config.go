package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"carlink/internal/protocol"
	"carlink/internal/session"
)

var configCmd = &cobra.Command{
	Use:   "config <host:port>",
	Short: "Show or change a vehicle's identity and physics limits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		c, err := session.Dial(ctx, args[0])
		if err != nil {
			return err
		}
		defer c.Close()

		id, err := c.Identity(ctx)
		if err != nil {
			return err
		}
		ph, err := c.Physics(ctx)
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		if flags.Changed("number") || flags.Changed("driver") || flags.Changed("team") {
			if flags.Changed("number") {
				n, _ := flags.GetUint8("number")
				id.Number = n
			}
			if flags.Changed("driver") {
				id.DriverName, _ = flags.GetString("driver")
			}
			if flags.Changed("team") {
				id.TeamName, _ = flags.GetString("team")
			}
			if err := c.SetIdentity(ctx, id); err != nil {
				return err
			}
		}
		if flags.Changed("steering") || flags.Changed("throttle") {
			if flags.Changed("steering") {
				ph.MaxSteeringAngle, _ = flags.GetInt32("steering")
			}
			if flags.Changed("throttle") {
				ph.MaxThrottle, _ = flags.GetInt32("throttle")
			}
			if err := c.SetPhysics(ctx, ph); err != nil {
				return err
			}
		}

		printConfig(cmd, id, ph)
		return nil
	},
}

func init() {
	configCmd.Flags().Uint8("number", 0, "set the car number")
	configCmd.Flags().String("driver", "", "set the driver name")
	configCmd.Flags().String("team", "", "set the team name")
	configCmd.Flags().Int32("steering", 0, "set the maximum steering angle")
	configCmd.Flags().Int32("throttle", 0, "set the maximum throttle")
}

func printConfig(cmd *cobra.Command, id protocol.CarIdentity, ph protocol.CarPhysics) {
	cmd.Printf("Car #%d  %s (%s)\n", id.Number, id.DriverName, id.TeamName)
	cmd.Printf("  max steering angle: %d\n", ph.MaxSteeringAngle)
	cmd.Printf("  max throttle:       %d\n", ph.MaxThrottle)
}
