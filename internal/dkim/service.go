package dkim

import (
	"context"
	"fmt"

	"github.com/ceymail/ceymail-mc/internal/validate"
)

// Service bundles key generation with the OpenDKIM table updates that
// make a new key take effect. This is the surface the RPC layer talks
// to.
type Service struct {
	keys *Manager
	root string
}

func NewService() *Service {
	return &Service{keys: NewManager(), root: "/"}
}

// Generate creates a key pair for domain and registers it in the
// OpenDKIM tables. If the table update fails the key files stay on
// disk; regenerating for the same domain then reports ErrKeyExists
// until the key is removed by hand.
func (s *Service) Generate(ctx context.Context, domain, selector string) (KeyInfo, error) {
	info, err := s.keys.Generate(ctx, domain, selector)
	if err != nil {
		return KeyInfo{}, err
	}

	t := LoadTables(s.root)
	if err := t.AddDomain(domain, selector); err != nil {
		return KeyInfo{}, fmt.Errorf("update DKIM tables: %w", err)
	}
	if err := t.Save(s.root); err != nil {
		return KeyInfo{}, fmt.Errorf("save DKIM tables: %w", err)
	}
	return info, nil
}

// List returns every domain with generated key material.
func (s *Service) List() ([]KeyInfo, error) {
	return s.keys.List()
}

// Delete unregisters the domain from the OpenDKIM tables, then removes
// its key files. The tables go first: a signing entry pointing at a
// deleted key would stop the milter from signing anything.
func (s *Service) Delete(domain string) error {
	if err := validate.Domain(domain); err != nil {
		return err
	}

	t := LoadTables(s.root)
	if err := t.RemoveDomain(domain); err != nil {
		return err
	}
	if err := t.Save(s.root); err != nil {
		return fmt.Errorf("save DKIM tables: %w", err)
	}
	return s.keys.Delete(domain)
}
