package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	"campaignd/internal/config"
	"campaignd/internal/session"
	"campaignd/internal/storage"
)

// Seed is the import file format. ${VAR} references are expanded before
// decoding so tokens can stay in the environment.
//
//	owners:
//	  - id: "42"
//	    plan: basic
//	    accounts:
//	      - key: main
//	        token: ${MAIN_BOT_TOKEN}
//	    targets:
//	      - id: -1001234567890
//	        title: announcements
type Seed struct {
	Owners []SeedOwner `yaml:"owners"`
}

type SeedOwner struct {
	ID       string        `yaml:"id"`
	Plan     string        `yaml:"plan,omitempty"`
	Accounts []SeedAccount `yaml:"accounts,omitempty"`
	Targets  []SeedTarget  `yaml:"targets,omitempty"`
}

type SeedAccount struct {
	Key    string `yaml:"key"`
	Token  string `yaml:"token"`
	Active *bool  `yaml:"active,omitempty"` // default true
}

type SeedTarget struct {
	ID    int64  `yaml:"id"`
	Title string `yaml:"title,omitempty"`
}

// ImportStats counts what ImportSeed wrote.
type ImportStats struct {
	Owners   int
	Accounts int
	Targets  int
	Plans    int
}

// LoadSeed reads and strictly decodes a seed file.
func LoadSeed(path string) (*Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(config.ExpandEnv(b)))
	dec.KnownFields(true)
	var s Seed
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("seed %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("seed %s: %w", path, err)
	}
	return &s, nil
}

func (s *Seed) validate() error {
	var errs []error
	for i, o := range s.Owners {
		if strings.TrimSpace(o.ID) == "" {
			errs = append(errs, fmt.Errorf("owners[%d].id is required", i))
		}
		for j, a := range o.Accounts {
			if strings.TrimSpace(a.Key) == "" {
				errs = append(errs, fmt.Errorf("owners[%d].accounts[%d].key is required", i, j))
			}
		}
		for j, t := range o.Targets {
			if t.ID == 0 {
				errs = append(errs, fmt.Errorf("owners[%d].targets[%d].id is required", i, j))
			}
		}
	}
	return errors.Join(errs...)
}

// ImportSeed upserts every owner's plan, accounts and targets.
func ImportSeed(ctx context.Context, st storage.Store, s *Seed) (ImportStats, error) {
	var stats ImportStats
	for _, o := range s.Owners {
		owner := strings.TrimSpace(o.ID)
		if p := strings.ToLower(strings.TrimSpace(o.Plan)); p != "" {
			if err := st.SetPlan(ctx, owner, p); err != nil {
				return stats, fmt.Errorf("owner %s: set plan: %w", owner, err)
			}
			stats.Plans++
		}
		for _, a := range o.Accounts {
			active := a.Active == nil || *a.Active
			acc := session.Account{
				Key:         strings.TrimSpace(a.Key),
				Credentials: session.Credentials{Token: strings.TrimSpace(a.Token)},
				Active:      active,
			}
			if err := st.PutAccount(ctx, owner, acc); err != nil {
				return stats, fmt.Errorf("owner %s: account %s: %w", owner, acc.Key, err)
			}
			stats.Accounts++
		}
		for _, t := range o.Targets {
			if err := st.PutTarget(ctx, owner, session.Target{PlatformID: t.ID, Title: t.Title}); err != nil {
				return stats, fmt.Errorf("owner %s: target %d: %w", owner, t.ID, err)
			}
			stats.Targets++
		}
		stats.Owners++
	}
	return stats, nil
}
