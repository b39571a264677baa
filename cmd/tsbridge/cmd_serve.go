package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tsbridge/internal/api"
	"tsbridge/internal/events"
	hostreg "tsbridge/internal/host"
	"tsbridge/internal/metrics"
	"tsbridge/internal/mqtt"
	"tsbridge/internal/plugins"
	"tsbridge/internal/plugins/hwmon"
	tsplugin "tsbridge/internal/plugins/thingspeak"
	"tsbridge/internal/thingspeak"
)

const shutdownTimeout = 10 * time.Second

var (
	serveAddr   string
	serveNoAuth bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the upload scheduler",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides the configuration)")
	serveCmd.Flags().BoolVar(&serveNoAuth, "no-auth", false, "disable authentication (development only)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	h, err := openHost()
	if err != nil {
		return err
	}
	defer h.Close()
	cfg, logger := h.cfg, h.logger

	if err := cfg.Override(serveAddr, serveNoAuth); err != nil {
		return err
	}
	logger.Printf("Configuration loaded: %s", cfg)

	registry := hostreg.NewMemory(h.store, logger)
	if err := registry.Load(); err != nil {
		return err
	}

	eventStore := events.NewStore(500)
	m := metrics.New(true)
	client := thingspeak.NewClient(cfg.ThingSpeakHost(),
		thingspeak.WithUserAgent("tsbridge/"+Version),
		thingspeak.WithTimeout(tsplugin.MaxRequestTimeout),
	)

	deps := &plugins.PluginDependencies{
		Config:     cfg,
		EventStore: eventStore,
		Logger:     logger,
		Storage:    h.store,
		Registry:   registry,
		ThingSpeak: client,
		Metrics:    m,
	}

	if cfg.MQTTBroker() != "" {
		mqttClient, err := mqtt.New(mqtt.Config{
			Broker:   cfg.MQTTBroker(),
			ClientID: cfg.MQTTClientID(),
			Username: cfg.MQTTUsername(),
			Password: cfg.MQTTPassword(),
			Prefix:   cfg.MQTTPrefix(),
			UseTLS:   cfg.MQTTUseTLS(),
		}, logger)
		if err != nil {
			return err
		}

		// subscriptions are stored and applied on every (re)connect
		if err := mqtt.NewIngestor(registry, logger).Start(mqttClient); err != nil {
			return err
		}
		if err := mqttClient.Connect(); err != nil {
			logger.Printf("MQTT unavailable, continuing without it: %v", err)
		}
		defer mqttClient.Disconnect()

		deps.MQTTClient = mqttClient
		deps.MQTTPublisher = mqtt.NewPublisher(mqttClient, logger)
		deps.MQTTDiscovery = mqtt.NewDiscoveryManager(mqttClient, logger, h.store, tsplugin.PluginName)
	}

	pluginRegistry := plugins.NewRegistry()
	for _, p := range []plugins.Plugin{tsplugin.New(), hwmon.New()} {
		if err := pluginRegistry.Register(p); err != nil {
			return err
		}
	}
	if err := enableOnFirstRun(h, tsplugin.PluginName); err != nil {
		return err
	}
	for _, p := range pluginRegistry.All() {
		if base, ok := p.(interface {
			SetDependencies(*plugins.PluginDependencies)
		}); ok {
			base.SetDependencies(deps)
		}
	}

	if err := pluginRegistry.InitAll(ctx, deps); err != nil {
		return err
	}
	if err := pluginRegistry.StartAll(ctx); err != nil {
		return err
	}
	if err := pluginRegistry.StartBackgroundTasksAll(ctx); err != nil {
		return err
	}

	server := api.NewServer(cfg, eventStore, registry, m, pluginRegistry)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Printf("tsbridge %s starting on %s\n", Version, cfg.Addr())
	if cfg.NoAuth() {
		fmt.Println("WARNING: Authentication is DISABLED!")
	} else if cfg.AdminPasswordHash() == "" {
		fmt.Println("WARNING: No admin password set, run 'tsbridge passwd' to enable logins")
	}
	printAccessURLs(portOf(cfg.Addr()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = pluginRegistry.StopAll(context.Background())
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Printf("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP shutdown: %v", err)
	}
	return pluginRegistry.StopAll(shutdownCtx)
}

// enableOnFirstRun enables a plugin that has never been configured
func enableOnFirstRun(h *host, name string) error {
	all, err := h.store.ListAllPlugins()
	if err != nil {
		return err
	}
	if _, known := all[name]; known {
		return nil
	}
	return h.store.EnablePlugin(name)
}

func portOf(addr string) string {
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[idx+1:]
	}
	return addr
}

// getLocalIPs returns the IPv4 addresses of all up, non-loopback interfaces
func getLocalIPs() []string {
	var ips []string

	interfaces, err := net.Interfaces()
	if err != nil {
		return ips
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}
			ips = append(ips, ip.String())
		}
	}

	return ips
}

// printAccessURLs prints the API base URLs
func printAccessURLs(port string) {
	ips := getLocalIPs()
	if len(ips) == 0 {
		fmt.Printf("\nAPI at http://localhost:%s/api\n", port)
		return
	}

	fmt.Println("\nAPI URLs:")
	for _, ip := range ips {
		fmt.Printf("  http://%s:%s/api\n", ip, port)
	}
	fmt.Println()
}
