package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/pelletier/go-toml"
)

// Conventional configuration locations.
const (
	BaseConfigPath = "/etc/azinit.toml"
	DropInDir      = "/etc/azinit.d"
)

// Load resolves the configuration from the conventional locations plus an
// optional override path supplied on the command line. An empty overridePath
// means no override layer.
func Load(logger logr.Logger, overridePath string) (*Config, error) {
	return loadFrom(logger, BaseConfigPath, DropInDir, overridePath)
}

func loadFrom(logger logr.Logger, basePath, dropInDir, overridePath string) (*Config, error) {
	merged, err := defaultLayer()
	if err != nil {
		return nil, fmt.Errorf("serializing default configuration: %w", err)
	}

	if _, err := os.Stat(basePath); err == nil {
		logger.Info("loading base configuration file", "path", basePath)
		layer, err := fileLayer(basePath)
		if err != nil {
			return nil, err
		}
		merged = mergeLayers(merged, layer)
	} else {
		logger.Info("base configuration file not found, using defaults", "path", basePath)
	}

	merged, err = mergeDirectory(logger, merged, dropInDir)
	if err != nil {
		return nil, err
	}

	if overridePath != "" {
		info, err := os.Stat(overridePath)
		if err != nil {
			return nil, fmt.Errorf("override configuration %s: %w", overridePath, err)
		}
		if info.IsDir() {
			merged, err = mergeDirectory(logger, merged, overridePath)
			if err != nil {
				return nil, err
			}
		} else {
			logger.Info("merging override configuration file", "path", overridePath)
			layer, err := fileLayer(overridePath)
			if err != nil {
				return nil, err
			}
			merged = mergeLayers(merged, layer)
		}
	}

	cfg, err := decode(merged)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	logger.Info("configuration successfully loaded")
	return cfg, nil
}

// defaultLayer renders the compiled-in defaults as the bottom overlay.
func defaultLayer() (map[string]interface{}, error) {
	data, err := toml.Marshal(Default())
	if err != nil {
		return nil, err
	}
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, err
	}
	return tree.ToMap(), nil
}

// fileLayer parses one TOML file into an overlay. A file that fails to
// parse fails the whole load.
func fileLayer(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration file %s: %w", path, err)
	}
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parsing configuration file %s: %w", path, err)
	}
	return tree.ToMap(), nil
}

// mergeDirectory folds every *.toml file of dir into base in lexicographic
// filename order. A missing directory contributes nothing.
func mergeDirectory(logger logr.Logger, base map[string]interface{}, dir string) (map[string]interface{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return nil, fmt.Errorf("reading configuration directory %s: %w", dir, err)
	}

	// os.ReadDir returns entries sorted by filename, which is exactly the
	// precedence order for drop-ins.
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		logger.Info("merging drop-in configuration file", "path", path)
		layer, err := fileLayer(path)
		if err != nil {
			return nil, err
		}
		base = mergeLayers(base, layer)
	}
	return base, nil
}

// mergeLayers overlays layer onto base. Tables merge recursively; any other
// value, including arrays, replaces the base value wholesale.
func mergeLayers(base, layer map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range layer {
		if sub, ok := v.(map[string]interface{}); ok {
			if baseSub, ok := out[k].(map[string]interface{}); ok {
				out[k] = mergeLayers(baseSub, sub)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func decode(merged map[string]interface{}) (*Config, error) {
	tree, err := toml.TreeFromMap(merged)
	if err != nil {
		return nil, fmt.Errorf("assembling merged configuration: %w", err)
	}
	var cfg Config
	if err := tree.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding merged configuration: %w", err)
	}
	return &cfg, nil
}
