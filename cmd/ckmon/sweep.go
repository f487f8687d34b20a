package main

import (
	"fmt"
	"time"

	"github.com/Purgator/CK-Monitoring/logindex"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep <dir>",
	Short: "Delete .ckmon files older than the retention window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		retention, err := time.ParseDuration(viper.GetString("retention"))
		if err != nil {
			return fmt.Errorf("invalid retention: %w", err)
		}
		deleted, err := logindex.Sweep(args[0], retention)
		if err != nil {
			return err
		}
		fmt.Printf("%d file(s) deleted\n", deleted)
		return nil
	},
}

func init() {
	sweepCmd.Flags().String("retention", "168h", "delete files older than this")
	viper.BindPFlag("retention", sweepCmd.Flags().Lookup("retention"))
}
