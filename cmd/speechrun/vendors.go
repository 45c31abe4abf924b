package main

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/snarg/speechrun/internal/bsapi"
	"github.com/snarg/speechrun/internal/config"
	"github.com/snarg/speechrun/internal/hume"
	"github.com/snarg/speechrun/internal/retry"
	"github.com/snarg/speechrun/internal/vendor"
)

// vendorFactory builds a batch client from the loaded config.
type vendorFactory func(cfg *config.Config, policy retry.Policy, log zerolog.Logger) (vendor.Client, error)

// vendors is the registry of batch backends selectable with VENDOR.
var vendors = map[string]vendorFactory{
	vendor.BehavioralSignals: func(cfg *config.Config, policy retry.Policy, log zerolog.Logger) (vendor.Client, error) {
		c, err := bsapi.NewClient(bsapi.Options{
			BaseURL:        cfg.APIURL,
			ClientID:       cfg.ClientID,
			APIKey:         cfg.APIKey,
			RequestTimeout: cfg.RequestTimeout,
			UploadTimeout:  cfg.UploadTimeout,
			Retry:          policy,
			Log:            log,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	},
	vendor.Hume: func(cfg *config.Config, policy retry.Policy, log zerolog.Logger) (vendor.Client, error) {
		c, err := hume.NewClient(hume.Options{
			BaseURL:        cfg.HumeAPIURL,
			APIKey:         cfg.HumeAPIKey,
			RequestTimeout: cfg.RequestTimeout,
			UploadTimeout:  cfg.UploadTimeout,
			Retry:          policy,
			Log:            log,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	},
}

func newVendorClient(cfg *config.Config, policy retry.Policy, log zerolog.Logger) (vendor.Client, error) {
	build, ok := vendors[cfg.Vendor]
	if !ok {
		names := make([]string, 0, len(vendors))
		for name := range vendors {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("%w: unknown vendor %q (have %v)", config.ErrInvalid, cfg.Vendor, names)
	}
	return build(cfg, policy, log)
}

// vendorURL is the API base shown by the check command.
func vendorURL(cfg *config.Config) string {
	if cfg.Vendor == vendor.Hume {
		return cfg.HumeAPIURL
	}
	return cfg.APIURL
}
