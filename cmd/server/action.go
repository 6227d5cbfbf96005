package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/config"
	"github.com/t77yq/fleet-orchestrator/internal/transport"
)

func runAction(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var payload json.RawMessage
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("payload is not valid JSON")
		}
		payload = json.RawMessage(args[1])
	}

	nc, err := connectNATS(cfg.NATS.URL, cfg.NATS, zap.NewNop())
	if err != nil {
		return err
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Actions.RequestTimeout)
	defer cancel()

	envelope, err := transport.NewClient(nc).Call(ctx, args[0], payload)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(envelope); err != nil {
		return err
	}
	if !envelope.OK {
		return fmt.Errorf("action %s failed: %s", args[0], envelope.Code)
	}
	return nil
}

func runValidate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Printf("config ok: %d managed processes, nats=%t http=%t storage=%t\n",
		len(cfg.Processes), cfg.NATS.Enabled, cfg.HTTP.Enabled, cfg.Storage.Enabled)
	return nil
}
