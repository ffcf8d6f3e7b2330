package main

import (
	"io/ioutil"
	"time"

	"github.com/hcikit/btbringup"
	"gopkg.in/yaml.v2"
)

// deviceProfile describes one controller variant: how fast to talk to it,
// which patch image it takes, and any extra vendor commands it needs after
// the standard sequence.
type deviceProfile struct {
	Baud          int      `yaml:"baud"`
	PatchHex      string   `yaml:"patchHex"`
	ExtraCommands []string `yaml:"extraCommands"`
	Attempts      int      `yaml:"attempts"`
	RetryDelayMs  int      `yaml:"retryDelayMs"`
	CleanupReset  bool     `yaml:"cleanupReset"`
}

func loadProfile(path string) (*deviceProfile, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	prof := new(deviceProfile)
	if err := yaml.Unmarshal(data, prof); err != nil {
		return nil, err
	}
	return prof, nil
}

// apply folds the profile into the run configuration. Command-line flags that
// were left at their defaults pick up the profile's values; baudSet reports
// whether -baud was given explicitly, since its default is not a sentinel.
func (p *deviceProfile) apply(opts *btbringup.Options, baud *int, baudSet bool, patchHex *string, extra *extraCommands) error {
	if p.Baud != 0 && !baudSet {
		*baud = p.Baud
	}
	if p.PatchHex != "" && *patchHex == "" {
		*patchHex = p.PatchHex
	}
	if p.Attempts > 0 {
		opts.Attempts = p.Attempts
	}
	if p.RetryDelayMs > 0 {
		opts.RetryDelay = time.Duration(p.RetryDelayMs) * time.Millisecond
	}
	opts.CleanupReset = p.CleanupReset

	for _, line := range p.ExtraCommands {
		if err := extra.Set(line); err != nil {
			return err
		}
	}
	return nil
}
