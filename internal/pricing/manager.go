package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// fileSchema is the YAML layout of a pricing override file.
//
//	local_providers: [ollama]
//	providers:
//	  anthropic:
//	    claude-sonnet-4-20250514:
//	      input_per_1k: 0.003
//	      output_per_1k: 0.015
type fileSchema struct {
	LocalProviders []string                   `yaml:"local_providers"`
	Providers      map[string]map[string]Rate `yaml:"providers"`
}

// LoadFile merges rate overrides from a YAML file over the current table.
// Overrides win per provider/model pair; unlisted pairs keep their rates.
func (c *Calculator) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pricing file: %w", err)
	}

	var f fileSchema
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse pricing file: %w", err)
	}

	old := c.state.Load()
	next := &tableState{table: cloneTable(old.table), local: cloneSet(old.local)}

	for prov, models := range f.Providers {
		if next.table[prov] == nil {
			next.table[prov] = make(map[string]Rate, len(models))
		}
		for name, rate := range models {
			next.table[prov][name] = rate
		}
	}
	for _, prov := range f.LocalProviders {
		next.local[prov] = true
		if next.table[prov] == nil {
			next.table[prov] = make(map[string]Rate)
		}
	}

	c.state.Store(next)
	return nil
}

// Watch reloads the pricing file whenever it changes, until the context is
// cancelled. Rapid changes are debounced; a reload failure keeps the
// previous table.
func (c *Calculator) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return err
	}

	go c.watchLoop(ctx, watcher, path, logger)
	return nil
}

func (c *Calculator) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, logger *slog.Logger) {
	const debounceDelay = 500 * time.Millisecond
	var debounce *time.Timer

	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := c.LoadFile(path); err != nil {
					logger.Warn("pricing reload failed", "path", path, "error", err)
					return
				}
				logger.Info("pricing reloaded", "path", path)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("pricing watcher error", "error", err)
		}
	}
}
