// Command hubd drives a hub.Client or hub.Server over a real NATS
// connection, wiring the configuration and reconnect-retry conventions
// the rest of this module's packages share.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/wiremesh/hub"
	"github.com/wiremesh/hub/internal/retry"
	"github.com/wiremesh/hub/transport"
)

var version = "dev"

// config holds the process-level settings for hubd, loaded from the
// environment the same way serverapi.LoadConfig does in the teacher
// codebase: every env var lowercased into a flat map, then JSON
// round-tripped into the struct below.
type config struct {
	NATSURL     string `json:"nats_url"`
	NATSUser    string `json:"nats_user"`
	NATSPass    string `json:"nats_password"`
	InstanceID  string `json:"instance_id"`
	Endpoint    string `json:"endpoint"`
	HWM         string `json:"hwm"`
	HandleBound string `json:"handle_bound"`
	RetainedMax string `json:"retained_max"`
}

func loadConfig() (*config, error) {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) < 2 {
			continue
		}
		env[strings.ToLower(parts[0])] = parts[1]
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal env vars: %w", err)
	}
	cfg := &config{}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *config) intOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func dialNATS(ctx context.Context, cfg *config, logger *slog.Logger) (*nats.Conn, error) {
	var nc *nats.Conn
	routine := retry.NewRoutine(5, time.Minute).WithLogger(logger)
	err := routine.ExecuteWithRetry(ctx, 2*time.Second, 5, func(ctx context.Context) error {
		opts := []nats.Option{}
		if cfg.NATSUser != "" {
			opts = append(opts, nats.UserInfo(cfg.NATSUser, cfg.NATSPass))
		}
		conn, err := nats.Connect(cfg.NATSURL, opts...)
		if err != nil {
			return err
		}
		nc = conn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial NATS: %w", err)
	}
	return nc, nil
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hubd",
		Short: "Run a hub client or server manager against a NATS transport.",
	}
	root.AddCommand(serveCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hubd version.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var flavor string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the manager loop for the requested flavor (client or server) until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flavor)
		},
	}
	cmd.Flags().StringVar(&flavor, "flavor", "client", "manager flavor to run: client or server")
	return cmd
}

func runServe(ctx context.Context, flavor string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()[0:8]
	}
	logger := slog.Default().With(slog.Group("hub", slog.String("instance_id", cfg.InstanceID)))

	nc, err := dialNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	retry.GetGroup().StartLoop(ctx, &retry.LoopConfig{
		Key:          "hubd-nats-health-" + cfg.InstanceID,
		Threshold:    5,
		ResetTimeout: time.Minute,
		Interval:     10 * time.Second,
		Operation: func(ctx context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats connection down: %s", nc.Status())
			}
			return nil
		},
		OnError: func(err error) {
			logger.Warn("hubd: nats health check failed", "err", err)
		},
	})
	defer retry.GetGroup().Stop("hubd-nats-health-" + cfg.InstanceID)

	tr := transport.NewNATSTransport(nc)
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "hub"
	}

	hwm := cfg.intOr(cfg.HWM, 64)
	handleBound := cfg.intOr(cfg.HandleBound, 16)
	retainedMax := cfg.intOr(cfg.RetainedMax, 0)

	hcfg := hub.Config{
		Transport:   tr,
		InstanceID:  cfg.InstanceID,
		RetainedMax: retainedMax,
		HWM:         hwm,
		HandleBound: handleBound,
		Logger:      logger,
	}

	switch flavor {
	case "client":
		c := hub.NewClient(hcfg)
		defer c.Stop()
		if err := c.SetReq([]transport.SocketSpec{{Endpoint: endpoint + ".req"}}); err != nil {
			return fmt.Errorf("set req: %w", err)
		}
		if err := c.SetStream(
			[]transport.SocketSpec{{Endpoint: endpoint + ".out"}},
			[]transport.SocketSpec{{Endpoint: endpoint + ".peers"}},
			[]transport.SocketSpec{{Endpoint: endpoint + ".in"}},
		); err != nil {
			return fmt.Errorf("set stream: %w", err)
		}
		logger.Info("hubd client manager running", "endpoint", endpoint)
		waitForSignal(ctx)
		return nil
	case "server":
		s := hub.NewServer(hcfg)
		defer s.Stop()
		if err := s.SetReq([]transport.SocketSpec{{Endpoint: endpoint + ".req"}}); err != nil {
			return fmt.Errorf("set req: %w", err)
		}
		if err := s.SetStream(
			[]transport.SocketSpec{{Endpoint: endpoint + ".in"}},
			[]transport.SocketSpec{{Endpoint: endpoint + ".peers"}},
			[]transport.SocketSpec{{Endpoint: endpoint + ".out"}},
		); err != nil {
			return fmt.Errorf("set stream: %w", err)
		}
		logger.Info("hubd server manager running", "endpoint", endpoint)
		waitForSignal(ctx)
		return nil
	default:
		return fmt.Errorf("unknown flavor %q — must be client or server", flavor)
	}
}

func waitForSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("hubd failed", "err", err)
		os.Exit(1)
	}
}
