package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("does-not-exist.yaml", true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.HTTPAddr != ":8080" {
		t.Fatalf("http addr default: %s", cfg.Server.HTTPAddr)
	}
	if cfg.Broker.Driver != "paper" {
		t.Fatalf("broker driver default: %s", cfg.Broker.Driver)
	}
	if cfg.Gate.Countdown != 3*time.Second {
		t.Fatalf("countdown default: %s", cfg.Gate.Countdown)
	}
	if cfg.Gate.ReadyTimeout != 60*time.Second {
		t.Fatalf("ready timeout default: %s", cfg.Gate.ReadyTimeout)
	}
	if cfg.Risk.MaxPositionSize != 5000 {
		t.Fatalf("max position size default: %v", cfg.Risk.MaxPositionSize)
	}
	if !cfg.Risk.CheckPositionSize || !cfg.Risk.CheckBuyingPower {
		t.Fatal("risk checks should default on")
	}
	if cfg.Reconciler.Interval != 15*time.Second {
		t.Fatalf("reconciler interval default: %s", cfg.Reconciler.Interval)
	}
	if cfg.Cache.OrdersTTL != 30*time.Second {
		t.Fatalf("orders ttl default: %s", cfg.Cache.OrdersTTL)
	}
	if cfg.Redis.Enabled {
		t.Fatal("redis should default off")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TD_GATE_COUNTDOWN", "10s")
	t.Setenv("TD_BROKER_DRIVER", "alpaca")
	t.Setenv("TD_RISK_MAX_POSITION_SIZE", "2500")

	cfg, err := Load("does-not-exist.yaml", true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gate.Countdown != 10*time.Second {
		t.Fatalf("env countdown not applied: %s", cfg.Gate.Countdown)
	}
	if cfg.Broker.Driver != "alpaca" {
		t.Fatalf("env driver not applied: %s", cfg.Broker.Driver)
	}
	if cfg.Risk.MaxPositionSize != 2500 {
		t.Fatalf("env max position size not applied: %v", cfg.Risk.MaxPositionSize)
	}
}

func TestLoad_MissingFileFails(t *testing.T) {
	if _, err := Load("does-not-exist.yaml", false); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
