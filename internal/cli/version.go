package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the current autodev version.
const Version = "0.1.0-dev"

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("autodev version %s\n", Version)
		},
	}
}
