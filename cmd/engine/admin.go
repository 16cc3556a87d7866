package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vamshivade/DEX-System/internal/store"
)

const usage = `usage: engine [command]

With no command the engine runs until SIGINT/SIGTERM.

commands:
  provision <wallet-id> <public-key> <main-wallet-id>   (hex seed on stdin)
  ready <wallet-id>
  assign <wallet-id> <pool-id> <inverse|reverse> <threshold> <trade-amount>
  decommission <wallet-id> [archive]
  stop-bot <bot-id>
  resolve-position <position-id>
  audit <wallet-id>                                     (JSON lines on stdout)`

// runCommand executes one operator command and returns the exit code.
func runCommand(ctx context.Context, e *engine, args []string) int {
	if err := dispatchCommand(ctx, e, args); err != nil {
		slog.Error("command_failed", "command", args[0], "error", err)
		return 1
	}
	return 0
}

func dispatchCommand(ctx context.Context, e *engine, args []string) error {
	cmd, rest := args[0], args[1:]
	need := func(n int) error {
		if len(rest) < n {
			return fmt.Errorf("%s: expected %d arguments\n%s", cmd, n, usage)
		}
		return nil
	}

	switch cmd {
	case "provision":
		if err := need(3); err != nil {
			return err
		}
		secret, err := readSeed()
		if err != nil {
			return err
		}
		defer clear(secret)
		w, err := e.wallets.Provision(ctx, rest[0], rest[1], rest[2], secret)
		if err != nil {
			return err
		}
		slog.Info("wallet_provisioned", "wallet", w.ID, "status", w.Status)

	case "ready":
		if err := need(1); err != nil {
			return err
		}
		return e.wallets.MarkReady(ctx, rest[0])

	case "assign":
		if err := need(5); err != nil {
			return err
		}
		mode := store.TradeMode(rest[2])
		if mode != store.ModeInverse && mode != store.ModeReverse {
			return fmt.Errorf("assign: unknown mode %q", rest[2])
		}
		threshold, err := decimal.NewFromString(rest[3])
		if err != nil || !threshold.IsPositive() {
			return fmt.Errorf("assign: bad threshold %q", rest[3])
		}
		amount, err := decimal.NewFromString(rest[4])
		if err != nil || !amount.IsPositive() {
			return fmt.Errorf("assign: bad trade amount %q", rest[4])
		}
		bot := store.Bot{
			ID:          uuid.NewString(),
			PoolID:      rest[1],
			Mode:        mode,
			Threshold:   threshold,
			TradeAmount: amount,
		}
		if err := e.wallets.AssignBot(ctx, rest[0], bot); err != nil {
			return err
		}
		slog.Info("bot_assigned", "wallet", rest[0], "bot", bot.ID)

	case "decommission":
		if err := need(1); err != nil {
			return err
		}
		archive := len(rest) > 1 && rest[1] == "archive"
		return e.wallets.Decommission(ctx, rest[0], archive)

	case "stop-bot":
		if err := need(1); err != nil {
			return err
		}
		_, err := e.scheduler.StopBot(ctx, rest[0])
		return err

	case "resolve-position":
		if err := need(1); err != nil {
			return err
		}
		return e.monitor.ResolvePosition(ctx, rest[0])

	case "audit":
		if err := need(1); err != nil {
			return err
		}
		records, err := e.db.AuditByWallet(ctx, rest[0])
		if err != nil {
			return err
		}
		return writeAudit(e.output(), records)

	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
	return nil
}

// writeAudit prints records one JSON object per line.
func writeAudit(w io.Writer, records []store.AuditRecord) error {
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// readSeed reads a hex-encoded signing seed from stdin.
func readSeed() ([]byte, error) {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(line))
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return seed, nil
}
