package cmd

import (
	"fmt"
	"net"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/andersbakken/konflikt/internal/console"
	"github.com/andersbakken/konflikt/internal/network"
	"github.com/andersbakken/konflikt/internal/ui"
)

var consolePort int

var consoleCmd = &cobra.Command{
	Use:   "console [host]",
	Short: "Attach an interactive console to a running instance",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConsole,
}

func init() {
	consoleCmd.Flags().IntVarP(&consolePort, "port", "p", network.DefaultPort, "Console port")
}

func runConsole(cmd *cobra.Command, args []string) error {
	host := "localhost"
	if len(args) > 0 {
		host = args[0]
	}
	addr := net.JoinHostPort(host, strconv.Itoa(consolePort))

	client, err := console.Dial(addr, 5*time.Second)
	if err != nil {
		return err
	}
	defer client.Close()

	p := tea.NewProgram(ui.NewConsoleModel(addr, client), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("console UI failed: %w", err)
	}
	return nil
}
