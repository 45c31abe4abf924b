package main

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/snarg/speechrun/internal/config"
	"github.com/snarg/speechrun/internal/retry"
	"github.com/snarg/speechrun/internal/vendor"
)

func TestNewVendorClient(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{"behavioral_signals", config.Config{Vendor: vendor.BehavioralSignals, ClientID: "7", APIKey: "k"}, vendor.BehavioralSignals},
		{"hume", config.Config{Vendor: vendor.Hume, HumeAPIKey: "h"}, vendor.Hume},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := newVendorClient(&tt.cfg, retry.Policy{MaxAttempts: 1}, zerolog.Nop())
			if err != nil {
				t.Fatalf("newVendorClient: %v", err)
			}
			if c.Name() != tt.want {
				t.Errorf("Name() = %q, want %q", c.Name(), tt.want)
			}
		})
	}
}

func TestNewVendorClientUnknown(t *testing.T) {
	_, err := newVendorClient(&config.Config{Vendor: "acme"}, retry.Policy{}, zerolog.Nop())
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}
