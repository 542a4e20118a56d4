package allocator

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Loader reads strategy definitions from a YAML file and hot-reloads them
// on change, so allocation limits can be tuned without restarting the
// engine. Limits swap atomically; open positions are unaffected.
type Loader struct {
	path  string
	v     *viper.Viper
	alloc *Allocator
}

type strategiesFile struct {
	Strategies []Definition `mapstructure:"strategies"`
}

// NewLoader loads the file once, applies it, and starts watching for
// changes.
func NewLoader(path string, alloc *Allocator) (*Loader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("strategy loader requires a file path")
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read strategies file: %w", err)
	}

	loader := &Loader{path: path, v: v, alloc: alloc}
	if err := loader.reload(); err != nil {
		return nil, err
	}

	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := loader.reload(); err != nil {
			log.Error().Err(err).Str("file", evt.Name).Msg("strategy reload failed")
		}
	})
	v.WatchConfig()
	return loader, nil
}

func (l *Loader) reload() error {
	var cfg strategiesFile
	if err := l.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to parse strategies file: %w", err)
	}
	if err := l.alloc.ApplyDefinitions(cfg.Strategies); err != nil {
		return err
	}

	log.Info().
		Int("strategies", len(cfg.Strategies)).
		Str("file", filepath.Base(l.path)).
		Msg("strategy definitions reloaded")
	return nil
}
