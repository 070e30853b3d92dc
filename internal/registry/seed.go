package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/parjafrica/discovery-engine/internal/discovery"
)

// SeedFile is the YAML layout accepted by LoadFile.
//
//	targets:
//	  - id: fundsforngos-ss
//	    name: FundsforNGOs - South Sudan
//	    url: https://www2.fundsforngos.org/tag/south-sudan/
//	    country: South Sudan
//	    type: scraping
//	    priority: 8
//	    options:
//	      selectors:
//	        item: article.article-list
//	        title: h3.article-list__title a
type SeedFile struct {
	Targets []SeedTarget `yaml:"targets"`
}

// SeedTarget is one target entry. Omitted is_active means active.
type SeedTarget struct {
	ID        string                  `yaml:"id"`
	Name      string                  `yaml:"name"`
	URL       string                  `yaml:"url"`
	Country   string                  `yaml:"country"`
	Type      string                  `yaml:"type"`
	RateLimit int                     `yaml:"rate_limit"`
	Priority  int                     `yaml:"priority"`
	IsActive  *bool                   `yaml:"is_active"`
	Options   discovery.TargetOptions `yaml:"options"`
}

// Target converts the entry into a SearchTarget.
func (s SeedTarget) Target() (discovery.SearchTarget, error) {
	tt, err := discovery.ParseTargetType(s.Type)
	if err != nil {
		return discovery.SearchTarget{}, fmt.Errorf("target %s: %w", s.ID, err)
	}
	active := true
	if s.IsActive != nil {
		active = *s.IsActive
	}
	return discovery.SearchTarget{
		ID:        s.ID,
		Name:      s.Name,
		URL:       s.URL,
		Country:   s.Country,
		Type:      tt,
		RateLimit: s.RateLimit,
		Priority:  s.Priority,
		Options:   s.Options,
		IsActive:  active,
	}, nil
}

// DecodeSeed parses a seed document.
func DecodeSeed(r io.Reader) (SeedFile, error) {
	var f SeedFile
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return SeedFile{}, nil
		}
		return SeedFile{}, fmt.Errorf("%w: decode seed: %v", discovery.ErrConfig, err)
	}
	return f, nil
}

// Load upserts every target in the seed document. Invalid entries are
// collected and reported together; valid ones are still stored.
func (r *Registry) Load(ctx context.Context, src io.Reader) (int, error) {
	f, err := DecodeSeed(src)
	if err != nil {
		return 0, err
	}
	var (
		loaded int
		errs   []error
	)
	for _, st := range f.Targets {
		t, err := st.Target()
		if err == nil {
			_, err = r.Upsert(ctx, t)
		}
		if err != nil {
			r.logger.Warn("skipping seed target", zap.String("target_id", st.ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		loaded++
	}
	r.logger.Info("seed targets loaded", zap.Int("loaded", loaded), zap.Int("rejected", len(errs)))
	return loaded, errors.Join(errs...)
}

// LoadFile reads a seed file from disk.
func (r *Registry) LoadFile(ctx context.Context, path string) (int, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open seed file: %w", err)
	}
	defer func() { _ = fh.Close() }()
	return r.Load(ctx, fh)
}
