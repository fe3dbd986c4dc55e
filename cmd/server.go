package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andersbakken/konflikt/internal/config"
	"github.com/andersbakken/konflikt/internal/console"
	"github.com/andersbakken/konflikt/internal/coordinator"
	"github.com/andersbakken/konflikt/internal/discovery"
	"github.com/andersbakken/konflikt/internal/layout"
	"github.com/andersbakken/konflikt/internal/logger"
	"github.com/andersbakken/konflikt/internal/network"
	"github.com/andersbakken/konflikt/internal/platform"
)

var (
	serverPort  int
	bindAddress string
	uiDir       string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run Konflikt as the coordinating server",
	Long: `Run Konflikt in server mode. The server owns the physical input devices,
detects edge transitions and redirects input to whichever client screen
currently holds the cursor.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "Port to listen on (default: probe from 3000)")
	serverCmd.Flags().StringVarP(&bindAddress, "bind", "b", "", "Bind address")
	serverCmd.Flags().StringVar(&uiDir, "ui-dir", "", "Directory of layout editor static files")

	viper.BindPFlag("server.port", serverCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.bind_address", serverCmd.Flags().Lookup("bind"))
	viper.BindPFlag("server.ui_dir", serverCmd.Flags().Lookup("ui-dir"))
}

func runServer(cmd *cobra.Command, args []string) error {
	if err := config.Init(); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	cfg := config.Get()
	logger.SetLevel(cfg.Log.Level)
	if cfg.Log.File {
		logFile, err := logger.SetupFileLogging("SERVER")
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
	started := time.Now()

	io, err := platform.New(platform.Desktop{Width: 1920, Height: 1080})
	if err != nil {
		return fmt.Errorf("failed to initialize input plane: %w", err)
	}
	desktop := io.Desktop()

	store := layout.NewStore(config.ConfigDir())
	layoutMgr := layout.NewManager(store)
	layoutMgr.SetServerScreen(instanceID, cfg.Server.Name, machineID, desktop.Width, desktop.Height)

	identity := network.Identity{
		InstanceID:   instanceID,
		InstanceName: cfg.Server.Name,
		Version:      Version,
		Capabilities: []string{"input", "layout"},
		GitCommit:    GitCommit,
		Geometry:     nil,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := console.NewRegistry(cancel)

	endpoint := network.NewEndpoint(identity, layoutMgr, registry, cfg.Server.UIDir)
	if err := endpoint.Listen(cfg.Server.BindAddress, cfg.Server.Port); err != nil {
		return err
	}
	logger.SetBroadcaster(endpoint.BroadcastLog)

	coord := coordinator.NewServer(instanceID, cfg.Server.Name, machineID, GitCommit, io, layoutMgr, endpoint)
	coord.OnExit = func(code int) {
		logger.Infof("exiting with code %d", code)
		endpoint.Shutdown()
		os.Exit(code)
	}

	endpoint.OnMessage = coord.HandleMessage
	endpoint.OnDisconnect = coord.HandleDisconnect
	endpoint.Status = func() network.StatusInfo {
		return network.StatusInfo{
			Role:        "server",
			InstanceID:  instanceID,
			Name:        cfg.Server.Name,
			Version:     Version,
			Uptime:      time.Since(started).Round(time.Second).String(),
			Port:        endpoint.Port(),
			Connections: endpoint.Connections(),
		}
	}

	dir := discovery.NewDirectory(cfg.Server.Name, "server", started.UnixMilli(), Version)
	registerServerConsoleCommands(registry, endpoint, layoutMgr, dir, instanceID, started)

	coord.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := endpoint.Serve(); err != nil {
			errCh <- err
		}
	}()

	if cfg.Discovery.Enabled {
		if err := dir.Advertise(endpoint.Port()); err != nil {
			logger.Warnf("discovery unavailable: %v", err)
		} else {
			dir.OnService = func(svc discovery.DiscoveredService) {
				if dir.IsLocalCollision(svc) {
					dir.ResolveCollision(svc)
				}
			}
			if err := dir.Browse(); err != nil {
				logger.Warnf("discovery browse unavailable: %v", err)
			}
		}
		defer dir.Shutdown()
	}

	fmt.Printf("Konflikt server '%s' listening on port %d\n", cfg.Server.Name, endpoint.Port())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("received %s, shutting down", sig)
	case <-ctx.Done():
		logger.Info("quit requested, shutting down")
	case err := <-errCh:
		return err
	}

	endpoint.Shutdown()
	return nil
}

func registerServerConsoleCommands(registry *console.Registry, endpoint *network.Endpoint,
	layoutMgr *layout.Manager, dir *discovery.Directory, instanceID string, started time.Time) {

	registry.Register("status", "show instance status", func([]string) (string, error) {
		info := endpoint.Status()
		return fmt.Sprintf("role: %s\ninstance: %s (%s)\nversion: %s\nuptime: %s\nport: %d\nconnections: %d",
			info.Role, info.Name, info.InstanceID, info.Version, info.Uptime, info.Port, len(info.Connections)), nil
	})

	registry.Register("config", "show configuration, optionally one key", func(args []string) (string, error) {
		settings := viper.AllSettings()
		if len(args) > 0 {
			v := viper.Get(args[0])
			if v == nil {
				return "", fmt.Errorf("unknown config key %q", args[0])
			}
			return fmt.Sprintf("%s = %v", args[0], v), nil
		}
		keys := make([]string, 0, len(settings))
		for k := range settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&b, "%s = %v\n", k, settings[k])
		}
		return b.String(), nil
	})

	registry.Register("server", "show server identity", func([]string) (string, error) {
		return fmt.Sprintf("instance %s, started %s", instanceID, started.Format(time.RFC3339)), nil
	})

	registry.Register("connections", "list connected peers", func([]string) (string, error) {
		conns := endpoint.Connections()
		if len(conns) == 0 {
			return "no peers connected", nil
		}
		sort.Strings(conns)
		return strings.Join(conns, "\n"), nil
	})

	registry.Register("discovery", "show discovery state", func([]string) (string, error) {
		return fmt.Sprintf("service type %s, advertising as server since %s",
			discovery.ServiceType, started.Format(time.RFC3339)), nil
	})

	registry.Register("layout", "dump the screen table", func([]string) (string, error) {
		var b strings.Builder
		for _, s := range layoutMgr.Screens() {
			state := "offline"
			if s.Online {
				state = "online"
			}
			role := "client"
			if s.IsServer {
				role = "server"
			}
			fmt.Fprintf(&b, "%-20s %-6s %-7s (%d,%d) %dx%d\n",
				s.DisplayName, role, state, s.X, s.Y, s.Width, s.Height)
		}
		if b.Len() == 0 {
			return "layout is empty", nil
		}
		return b.String(), nil
	})
}
