package main

import (
	"testing"

	"kasirinaja/pos/internal/config"
)

const strongSecret = "0123456789abcdef0123456789abcdef"

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	cases := map[string]config.Config{
		"short secret":    {AuthSecret: "short", ManagerPIN: "739154"},
		"common pin":      {AuthSecret: strongSecret, ManagerPIN: "123456"},
		"short pin":       {AuthSecret: strongSecret, ManagerPIN: "7391"},
		"same digit pin":  {AuthSecret: strongSecret, ManagerPIN: "777777"},
		"descending pin":  {AuthSecret: strongSecret, ManagerPIN: "876543"},
		"non numeric pin": {AuthSecret: strongSecret, ManagerPIN: "73a154"},
		"missing secret":  {ManagerPIN: "739154"},
	}
	for name, cfg := range cases {
		if err := validateSecurityConfig(cfg); err == nil {
			t.Fatalf("%s: expected weak security config to be rejected", name)
		}
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	if err := validateSecurityConfig(config.Config{AuthSecret: strongSecret, ManagerPIN: "739154"}); err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
	if err := validateSecurityConfig(config.Config{AuthSecret: strongSecret}); err != nil {
		t.Fatalf("expected config without manager PIN to pass, got %v", err)
	}
}
