package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/fleetlink/gt06d/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(appversion.Full("gt06ctl"))
		},
	}
}
