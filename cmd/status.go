package cmd

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/andersbakken/konflikt/internal/console"
	"github.com/andersbakken/konflikt/internal/network"
)

var statusPort int

var statusCmd = &cobra.Command{
	Use:   "status [host]",
	Short: "Query a running instance for its status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusPort, "port", "p", network.DefaultPort, "Console port")
}

func runStatus(cmd *cobra.Command, args []string) error {
	host := "localhost"
	if len(args) > 0 {
		host = args[0]
	}
	addr := net.JoinHostPort(host, strconv.Itoa(statusPort))

	client, err := console.Dial(addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("no instance reachable at %s: %w", addr, err)
	}
	defer client.Close()

	frame, err := client.Run("status")
	if err != nil {
		return err
	}
	if frame.Type == console.TypeError {
		return fmt.Errorf("%s", frame.Error)
	}
	fmt.Println(frame.Output)
	return nil
}
