// Package config loads the harness configuration shared by the
// swmr-writer and swmr-reader commands.
//
// Config files are JSONC (JSON with comments and trailing commas),
// standardized via hujson before decoding:
//
//	{
//	    // container file shared by writer and readers
//	    "file": "vfd_swmr_vlstr.swmr",
//	    "tick_len_ms": 100,
//	    "max_lag": 5,
//	    "page_size": 4096,
//	    "md_pages": 4,
//	}
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/swmr/internal/fs"
	"github.com/calvinalkan/swmr/pkg/swmr"
)

// Config errors.
var (
	ErrNotFound = errors.New("config file not found")
	ErrInvalid  = errors.New("invalid config file")
)

// Config carries the tunables of the SWMR protocol plus the container
// file path. Zero fields fall back to defaults.
type Config struct {
	File          string `json:"file"`
	TickLenMS     int    `json:"tick_len_ms"`
	MaxLag        uint64 `json:"max_lag"`
	PageSize      int    `json:"page_size"`
	MetadataPages int    `json:"md_pages"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		File:          "vfd_swmr_vlstr.swmr",
		TickLenMS:     100,
		MaxLag:        5,
		PageSize:      4096,
		MetadataPages: 4,
	}
}

// Load reads and parses the JSONC config at path, merged over
// [Default].
//
// Returns [ErrNotFound] if the file does not exist and [ErrInvalid]
// if it cannot be parsed.
func Load(fsys fs.FS, path string) (Config, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}

		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg, err := parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w %s: %w", ErrInvalid, path, err)
	}

	return merge(Default(), cfg), nil
}

// Save writes cfg to path atomically as formatted JSON.
func Save(fsys fs.FS, path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := fsys.WriteFileAtomic(path, append(data, '\n')); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}

	return nil
}

// Options converts the config into [swmr.Options].
func (c Config) Options() swmr.Options {
	return swmr.Options{
		Path:          c.File,
		TickLen:       time.Duration(c.TickLenMS) * time.Millisecond,
		MaxLag:        c.MaxLag,
		PageSize:      c.PageSize,
		MetadataPages: c.MetadataPages,
	}
}

func parse(data []byte) (Config, error) {
	// Standardize JSONC to JSON.
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.File != "" {
		base.File = overlay.File
	}

	if overlay.TickLenMS != 0 {
		base.TickLenMS = overlay.TickLenMS
	}

	if overlay.MaxLag != 0 {
		base.MaxLag = overlay.MaxLag
	}

	if overlay.PageSize != 0 {
		base.PageSize = overlay.PageSize
	}

	if overlay.MetadataPages != 0 {
		base.MetadataPages = overlay.MetadataPages
	}

	return base
}
