package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/fleetsim/fleetsim/pkg/cloud"
	"github.com/fleetsim/fleetsim/pkg/config"
	"github.com/fleetsim/fleetsim/pkg/engine"
	"github.com/fleetsim/fleetsim/pkg/protocol"
	"github.com/fleetsim/fleetsim/pkg/router"
	"github.com/fleetsim/fleetsim/pkg/store"
	"github.com/fleetsim/fleetsim/pkg/telemetry"
	"github.com/fleetsim/fleetsim/pkg/worker"
)

func newRunCommand() *cobra.Command {
	var oneShot bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the fleet update agent",
		Long: `Start the agent: the message router, the console renderer, the log
shipper, and the background engine talking to the control plane.

The agent keeps running until interrupted. With --one-shot it performs a
single control-plane pass and exits.`,
		Example: `  # Run with the default configuration
  fleetsim run

  # Run against a specific config file
  fleetsim run --config /etc/fleetsim/config.yaml

  # Single pass, e.g. from a timer unit
  fleetsim run --one-shot`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if verbose {
				cfg.Logging.Level = "debug"
			}
			if oneShot {
				cfg.Agent.OneShot = true
			}
			return runAgent(cmd.Context(), cfg)
		},
	}

	cmd.Flags().BoolVar(&oneShot, "one-shot", false, "run a single pass and exit")

	return cmd
}

func runAgent(ctx context.Context, cfg config.Config) error {
	log, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	metrics := telemetry.NewMetrics(cfg.Metrics)
	if metrics != nil && metrics.ListenAddress() != "" {
		mux := http.NewServeMux()
		mux.Handle(metrics.Path(), metrics.Handler())
		go func() {
			if err := http.ListenAndServe(metrics.ListenAddress(), mux); err != nil {
				log.Warn().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	st, err := store.Open(cfg.Agent.StorageDir)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyRunning) {
			return fmt.Errorf("another fleetsim instance is using %s", cfg.Agent.StorageDir)
		}
		return err
	}
	defer st.Close()

	client := cloud.NewHTTPClient(cfg.Cloud.URL)
	if creds, err := st.ReadCredentials(); err == nil && creds.Token != "" {
		client.SetToken(creds.Token)
	}

	buffer, err := worker.OpenBuffer(st.LogDBPath())
	if err != nil {
		return err
	}
	defer buffer.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := router.New(cfg.Agent.SocketPath, log, metrics)
	renderer := worker.NewRenderer(cfg.Agent.SocketPath, os.Stdout, stdinDecisions(), log)
	shipper := worker.NewShipper(cfg.Agent.SocketPath, buffer, client, log, worker.ShipperOptions{
		Interval: cfg.Agent.ShipInterval,
		Metrics:  metrics,
	})
	bg := engine.New(st, client, log, engine.Options{
		SocketPath:        cfg.Agent.SocketPath,
		DeviceID:          cfg.Device.ID,
		Secret:            cfg.Device.Secret,
		ValidateOwnership: cfg.Cloud.ValidateOwnership,
		PollInterval:      cfg.Agent.PollInterval,
		OneShot:           cfg.Agent.OneShot,
		DecisionsFile:     cfg.Agent.DecisionsFile,
		Metrics:           metrics,
	})

	routerDone := make(chan error, 1)
	go func() { routerDone <- r.Run(ctx) }()

	var wg sync.WaitGroup
	for _, w := range []worker.Worker{renderer, shipper} {
		wg.Add(1)
		go func(w worker.Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				log.Error().Err(err).Str("worker", w.Name()).Msg("worker failed")
			}
		}(w)
	}

	wg.Add(1)
	var bgErr error
	go func() {
		defer wg.Done()
		if err := bg.Run(ctx); err != nil {
			bgErr = err
			log.Error().Err(err).Msg("background engine failed")
			r.Shutdown()
		}
	}()

	// The router outlives everything else; its exit is the agent's exit.
	err = <-routerDone
	cancel()
	wg.Wait()

	if bgErr != nil {
		return bgErr
	}
	return err
}

// stdinDecisions prompts on the terminal and reads one line per
// decision request.
func stdinDecisions() worker.DecisionSource {
	reader := bufio.NewReader(os.Stdin)
	var mu sync.Mutex
	return worker.DecisionSourceFunc(func(ctx context.Context, req protocol.UserInputRequest) (string, bool) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Printf("%s\n", req.Prompt)
		if len(req.Options) > 0 {
			fmt.Printf("  options: %s\n", strings.Join(req.Options, ", "))
		}
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", false
		}
		value := strings.TrimSpace(line)
		if value == "" {
			return "", false
		}
		return value, true
	})
}
