/*
Copyright 2025 Overlaymgr Contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Admin CLI for the overlay manager. overlayctl does not talk to a
// running overlaymgrd over any transport: it stands up its own copy of
// the same registry/codec/driver stack against the same persisted
// document and host manifest, performs exactly one operation through the
// ServiceFacade, flushes state back to disk, and exits.
//
// Coverage: Excluded - main entrypoints are exercised through the package
// tests of the components they wire together, not unit-tested directly.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nextdoor/overlaymgr/pkg/codec"
	"github.com/nextdoor/overlaymgr/pkg/config"
	"github.com/nextdoor/overlaymgr/pkg/driver"
	"github.com/nextdoor/overlaymgr/pkg/facade"
	"github.com/nextdoor/overlaymgr/pkg/hostmanifest"
	"github.com/nextdoor/overlaymgr/pkg/idmap"
	"github.com/nextdoor/overlaymgr/pkg/metrics"
	"github.com/nextdoor/overlaymgr/pkg/orchestrator"
	"github.com/nextdoor/overlaymgr/pkg/registry"
)

var (
	flagConfigPath   string
	flagManifestPath string
)

// systemIdentity is the identity every overlayctl invocation authorizes
// against: an administrator with a local shell on the host is trusted the
// same way the daemon's own reconciliation code is trusted.
var systemIdentity = facade.Identity{System: true}

// stack is one invocation's private instance of the overlay manager,
// booted exactly the way cmd/overlaymgrd boots its own.
type stack struct {
	orch *orchestrator.Orchestrator
	svc  *facade.Facade
}

func newStack() (*stack, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		if _, statErr := os.Stat(flagConfigPath); os.IsNotExist(statErr) {
			cfg = &config.Config{
				LogLevel:           config.DefaultLogLevel,
				MetricsBindAddress: config.DefaultMetricsBindAddress,
				Persistence:        config.PersistenceConfig{Path: config.DefaultPersistencePath, QueueDepth: config.DefaultPersistenceQueueDepth},
				Idmap:              config.IdmapConfig{ToolPath: config.DefaultIdmapToolPath, CacheDir: config.DefaultIdmapCacheDir},
			}
		} else {
			return nil, fmt.Errorf("loading config: %w", err)
		}
	}

	manifest, err := hostmanifest.Load(flagManifestPath)
	if err != nil {
		if _, statErr := os.Stat(flagManifestPath); os.IsNotExist(statErr) {
			manifest = &hostmanifest.Manifest{}
		} else {
			return nil, fmt.Errorf("loading host manifest: %w", err)
		}
	}

	zapLog, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("constructing logger: %w", err)
	}
	log := zapr.NewLogger(zapLog).WithName("overlayctl")

	metricsRecorder := metrics.NewRecorder(true)

	reg := registry.New(log)
	im := idmap.NewLifecycle(cfg.Idmap.ToolPath, cfg.Idmap.CacheDir, log, metricsRecorder)
	db := hostmanifest.NewDatabase(manifest)
	users := hostmanifest.NewUserRegistry(manifest)
	drv := driver.New(reg, db, users, im, log, metricsRecorder)

	cdc := codec.New(cfg.Persistence.Path, log)
	worker := codec.NewWorker(cdc, reg.Snapshot, log)
	go worker.Run()

	assets := hostmanifest.LoggingAssetPathPublisher{Log: log}
	broadcast := hostmanifest.LoggingBroadcastBus{Log: log}
	orch := orchestrator.New(reg, drv, cdc, worker, users, assets, broadcast, metricsRecorder, log)

	if err := orch.Boot(context.Background()); err != nil {
		return nil, fmt.Errorf("booting overlay state: %w", err)
	}

	return &stack{orch: orch, svc: facade.New(reg, log, metricsRecorder)}, nil
}

// Close flushes the mutation worker and the persistence worker so that
// whatever this invocation did is durable before the process exits.
func (s *stack) Close() {
	s.svc.Close()
	s.orch.Shutdown()
}

func main() {
	root := &cobra.Command{
		Use:          "overlayctl",
		Short:        "Inspect and mutate overlay manager state",
		Long:         "overlayctl drives the overlay manager's operation surface directly against its persisted state, for hosts with no other administrative interface to overlaymgrd.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagConfigPath, "config", "/etc/overlaymgr/config.yaml",
		"Path to the daemon configuration file.")
	root.PersistentFlags().StringVar(&flagManifestPath, "manifest", "/etc/overlaymgr/manifest.yaml",
		"Path to the standalone host manifest.")

	root.AddCommand(
		newListCommand(),
		newDumpCommand(),
		newToggleCommand("enable", true),
		newToggleCommand("disable", false),
		newSetPriorityCommand(),
		newEdgePriorityCommand("set-highest-priority", "Move an overlay to the tail of its target's list", (*facade.Facade).SetHighestPriority),
		newEdgePriorityCommand("set-lowest-priority", "Move an overlay to the front of its target's list", (*facade.Facade).SetLowestPriority),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <userID>",
		Short: "List every target's overlays for a user, in priority order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			s, err := newStack()
			if err != nil {
				return err
			}
			defer s.Close()

			byTarget, err := s.svc.GetAllOverlays(cmd.Context(), systemIdentity, userID)
			if err != nil {
				return err
			}
			for target, list := range byTarget {
				fmt.Fprintf(cmd.OutOrStdout(), "%s:\n", target)
				for i, rec := range list {
					fmt.Fprintf(cmd.OutOrStdout(), "  [%d] %s state=%s enabled=%t\n", i, rec.OverlayPackage, rec.State, rec.Enabled())
				}
			}
			return nil
		},
	}
}

func newDumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <userID>",
		Short: "Print a human-readable snapshot of a user's overlays",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			s, err := newStack()
			if err != nil {
				return err
			}
			defer s.Close()

			out, err := s.svc.Dump(cmd.Context(), systemIdentity, userID)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func newToggleCommand(use string, enable bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <overlayPackage> <userID>",
		Short: fmt.Sprintf("Request an overlay be %sd for a user", use),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[1])
			if err != nil {
				return err
			}
			s, err := newStack()
			if err != nil {
				return err
			}
			defer s.Close()

			ok, err := s.svc.SetEnabled(cmd.Context(), systemIdentity, args[0], enable, userID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: request did not take effect (overlay missing, not approved, or always-enabled)", args[0])
			}
			return nil
		},
	}
}

func newSetPriorityCommand() *cobra.Command {
	var after string
	cmd := &cobra.Command{
		Use:   "set-priority <overlayPackage> <userID>",
		Short: "Reposition an overlay immediately after another overlay in its target's list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[1])
			if err != nil {
				return err
			}
			s, err := newStack()
			if err != nil {
				return err
			}
			defer s.Close()

			ok, err := s.svc.SetPriority(cmd.Context(), systemIdentity, args[0], after, userID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: reorder did not take effect", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&after, "after", "", "package to position this overlay immediately after (front of list if empty)")
	return cmd
}

func newEdgePriorityCommand(use, short string, op func(*facade.Facade, context.Context, facade.Identity, string, int) (bool, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <overlayPackage> <userID>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[1])
			if err != nil {
				return err
			}
			s, err := newStack()
			if err != nil {
				return err
			}
			defer s.Close()

			ok, err := op(s.svc, cmd.Context(), systemIdentity, args[0], userID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: reorder did not take effect", args[0])
			}
			return nil
		},
	}
}

func parseUserID(raw string) (int, error) {
	userID, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid userID %q: %w", raw, err)
	}
	return userID, nil
}
