package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set during build
	Version = "0.1.0-dev"
	// GitCommit is set during build
	GitCommit = ""

	rootCmd = &cobra.Command{
		Use:   "konflikt",
		Short: "Konflikt - one keyboard and mouse across machines",
		Long: `Konflikt glues several machines into a single virtual desktop.
Run one instance as the server that owns the physical input devices; run the
others as clients. Moving the pointer off a screen edge hands the cursor to
the neighboring machine.`,
		SilenceUsage: true,
	}
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s\n" .Version}}`)

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(statusCmd)
}

// Exit with error message
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
