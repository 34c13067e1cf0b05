package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"vaultguard/pkg/guardian"

	"gopkg.in/yaml.v3"
)

// bootstrapFile is the YAML seed applied once to an empty store.
type bootstrapFile struct {
	Admin             string   `yaml:"admin"`
	Guardians         []string `yaml:"guardians"`
	Threshold         int      `yaml:"threshold"`
	RecoveryTimelock  string   `yaml:"recovery_timelock"`
	EscrowRegistryRef string   `yaml:"escrow_registry_ref"`
	PolicyManagerRef  string   `yaml:"policy_manager_ref"`
}

func parseBootstrap(raw []byte) (guardian.BootstrapConfig, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	var f bootstrapFile
	if err := dec.Decode(&f); err != nil {
		return guardian.BootstrapConfig{}, fmt.Errorf("parse bootstrap file: %w", err)
	}
	cfg := guardian.BootstrapConfig{
		Admin:             f.Admin,
		Guardians:         f.Guardians,
		Threshold:         f.Threshold,
		EscrowRegistryRef: f.EscrowRegistryRef,
		PolicyManagerRef:  f.PolicyManagerRef,
	}
	if tl := strings.TrimSpace(f.RecoveryTimelock); tl != "" {
		d, err := time.ParseDuration(tl)
		if err != nil {
			return guardian.BootstrapConfig{}, fmt.Errorf("parse recovery_timelock: %w", err)
		}
		cfg.RecoveryTimelock = d
	}
	return cfg, nil
}

// loadBootstrap seeds svc from path. A store that is already initialized is
// left untouched.
func loadBootstrap(ctx context.Context, svc *guardian.Service, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read bootstrap file: %w", err)
	}
	cfg, err := parseBootstrap(raw)
	if err != nil {
		return err
	}
	err = svc.Bootstrap(ctx, cfg)
	if errors.Is(err, guardian.ErrAlreadyInitialized) {
		log.Printf("bootstrap skipped: registry already initialized")
		return nil
	}
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	log.Printf("bootstrap applied: admin=%s guardians=%d threshold=%d", cfg.Admin, len(cfg.Guardians), cfg.Threshold)
	return nil
}
