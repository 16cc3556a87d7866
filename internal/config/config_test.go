package config

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VAULT_MASTER_KEY", testMasterKey)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.BotTick != 10*time.Second || cfg.RangeTick != time.Minute || cfg.DispatchTick != 500*time.Millisecond {
		t.Errorf("Unexpected tick defaults: %s %s %s", cfg.BotTick, cfg.RangeTick, cfg.DispatchTick)
	}
	if cfg.RetryMaxAttempts != 4 || cfg.RetryBaseDelay != 2*time.Second {
		t.Errorf("Unexpected retry defaults: %d %s", cfg.RetryMaxAttempts, cfg.RetryBaseDelay)
	}
	if cfg.MinActivationLamports != 50_000_000 || cfg.GasReserveLamports != 10_000_000 {
		t.Errorf("Unexpected funding defaults: %d %d", cfg.MinActivationLamports, cfg.GasReserveLamports)
	}
	if !cfg.SplitRatio.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("SplitRatio = %s, want 0.5", cfg.SplitRatio)
	}
	if cfg.SweepFeeReserveLamports != 10_000 {
		t.Errorf("SweepFeeReserveLamports = %d, want 10000", cfg.SweepFeeReserveLamports)
	}
	if cfg.RedisAddr != "" || len(cfg.KafkaBrokers) != 0 || cfg.EnableTUI {
		t.Error("Optional integrations should be off by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("VAULT_MASTER_KEY", testMasterKey)
	t.Setenv("RETRY_MAX_ATTEMPTS", "3")
	t.Setenv("BOT_TICK_MS", "2500")
	t.Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092")
	t.Setenv("SPLIT_RATIO", "0.4")
	t.Setenv("ENABLE_TUI", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RetryMaxAttempts != 3 || cfg.BotTick != 2500*time.Millisecond || !cfg.EnableTUI {
		t.Errorf("Overrides not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if !cfg.SplitRatio.Equal(decimal.RequireFromString("0.4")) {
		t.Errorf("SplitRatio = %s", cfg.SplitRatio)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing master key", map[string]string{}, "VAULT_MASTER_KEY is required"},
		{"short master key", map[string]string{"VAULT_MASTER_KEY": "abcd"}, "VAULT_MASTER_KEY"},
		{"zero attempts", map[string]string{"RETRY_MAX_ATTEMPTS": "0"}, "RETRY_MAX_ATTEMPTS"},
		{"zero tick", map[string]string{"RANGE_TICK_MS": "0"}, "RANGE_TICK_MS"},
		{"zero concurrency", map[string]string{"BOT_CONCURRENCY": "0"}, "BOT_CONCURRENCY"},
		{"ratio of one", map[string]string{"SPLIT_RATIO": "1"}, "SPLIT_RATIO"},
		{"zero sweep fee reserve", map[string]string{"SWEEP_FEE_RESERVE_LAMPORTS": "0"}, "SWEEP_FEE_RESERVE_LAMPORTS"},
		{"sweep fee reserve above gas", map[string]string{"SWEEP_FEE_RESERVE_LAMPORTS": "20000000"}, "SWEEP_FEE_RESERVE_LAMPORTS"},
		{"bad port", map[string]string{"PROMETHEUS_PORT": "70000"}, "PROMETHEUS_PORT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("VAULT_MASTER_KEY", testMasterKey)
			if tt.name == "missing master key" {
				t.Setenv("VAULT_MASTER_KEY", "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMaskSecret(t *testing.T) {
	tests := map[string]string{
		"":                    "(not set)",
		"short":               "****",
		"https://hooks/abcdef": "http****cdef",
	}
	for in, want := range tests {
		if got := maskSecret(in); got != want {
			t.Errorf("maskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}
