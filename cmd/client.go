package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andersbakken/konflikt/internal/config"
	"github.com/andersbakken/konflikt/internal/coordinator"
	"github.com/andersbakken/konflikt/internal/discovery"
	"github.com/andersbakken/konflikt/internal/logger"
	"github.com/andersbakken/konflikt/internal/network"
	"github.com/andersbakken/konflikt/internal/platform"
	"github.com/andersbakken/konflikt/internal/protocol"
)

var (
	clientServerHost string
	clientServerPort int
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run Konflikt as a client screen",
	Long: `Run Konflikt in client mode. The client registers its screen with the
server, injects input forwarded to it while it holds the cursor, and hands
the cursor back when the pointer crosses the shared edge again.`,
	RunE: runClient,
}

func init() {
	clientCmd.Flags().StringVarP(&clientServerHost, "server", "s", "", "Server host (skips discovery)")
	clientCmd.Flags().IntVar(&clientServerPort, "port", 0, "Server port")

	viper.BindPFlag("client.server_host", clientCmd.Flags().Lookup("server"))
	viper.BindPFlag("client.server_port", clientCmd.Flags().Lookup("port"))
}

func runClient(cmd *cobra.Command, args []string) error {
	if err := config.Init(); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	cfg := config.Get()
	logger.SetLevel(cfg.Log.Level)
	if cfg.Log.File {
		logFile, err := logger.SetupFileLogging("CLIENT")
		if err != nil {
			logger.Warnf("file logging unavailable: %v", err)
		} else {
			defer logFile.Close()
		}
	}

	instanceID, err := config.InstanceID()
	if err != nil {
		return err
	}
	machineID := config.MachineID()

	io, err := platform.New(platform.Desktop{Width: 1920, Height: 1080})
	if err != nil {
		return fmt.Errorf("failed to initialize input plane: %w", err)
	}
	desktop := io.Desktop()

	identity := network.Identity{
		InstanceID:   instanceID,
		InstanceName: cfg.Client.Name,
		Version:      Version,
		Capabilities: []string{"inject"},
		GitCommit:    GitCommit,
		Geometry:     &protocol.ScreenGeometry{Width: desktop.Width, Height: desktop.Height},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peers := network.NewManager(identity)
	coord := coordinator.NewClient(instanceID, cfg.Client.Name, machineID, GitCommit, io, peers)
	coord.OnExit = func(code int) {
		logger.Infof("exiting with code %d", code)
		peers.Shutdown()
		os.Exit(code)
	}
	peers.OnMessage = func(addr string, msg protocol.Message) {
		coord.HandleMessage(msg)
	}
	peers.OnReady = func(addr string) {
		coord.Register(cfg.Client.Name)
	}
	coord.Start(ctx)

	port := cfg.Client.ServerPort
	if port == 0 {
		port = network.DefaultPort
	}

	var dir *discovery.Directory
	if cfg.Client.ServerHost != "" {
		addr := net.JoinHostPort(cfg.Client.ServerHost, strconv.Itoa(port))
		logger.Infof("connecting to configured server %s", addr)
		peers.Connect(addr)
	} else if cfg.Discovery.Enabled {
		dir = discovery.NewDirectory(cfg.Client.Name, "client", time.Now().UnixMilli(), Version)
		dir.OnService = func(svc discovery.DiscoveredService) {
			if svc.Role() != "server" {
				return
			}
			host := svc.Host
			if len(svc.Addresses) > 0 {
				host = svc.Addresses[0].String()
			}
			addr := net.JoinHostPort(host, strconv.Itoa(svc.Port))
			logger.Infof("discovered server %s at %s", svc.Name, addr)
			peers.Connect(addr)
		}
		if err := dir.Browse(); err != nil {
			return fmt.Errorf("discovery unavailable and no server configured: %w", err)
		}
		defer dir.Shutdown()
	} else {
		return fmt.Errorf("no server configured and discovery is disabled")
	}

	fmt.Printf("Konflikt client '%s' running (%dx%d)\n", cfg.Client.Name, desktop.Width, desktop.Height)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Infof("received %s, shutting down", sig)
	case <-ctx.Done():
	}

	peers.Shutdown()
	return nil
}
