// Package defaults resolves unset generation parameters through a fixed
// precedence chain: runtime-set values, config-file values, environment
// variables, then hardcoded fallbacks. Call-site values always win and are
// applied by the caller before consulting this package.
package defaults

import (
	"fmt"
	"os"
	"sync"
)

// Namespaces are the parameter namespaces a template can belong to.
var Namespaces = []string{"image", "audio", "video", "mesh"}

var hardcoded = map[string]map[string]interface{}{
	"image": {
		"width": 512, "height": 512, "steps": 20, "cfg": 1.0,
		"sampler_name": "euler", "scheduler": "simple", "denoise": 1.0,
		"negative_prompt": "", "lora_strength": 1.0, "controlnet_strength": 1.0,
	},
	"audio": {
		"steps": 50, "cfg": 5.0, "sampler_name": "euler", "scheduler": "simple",
		"denoise": 1.0, "seconds": 60, "lyrics_strength": 0.99,
		"model": "ace_step_v1_3.5b.safetensors",
	},
	"video": {
		"width": 480, "height": 272, "steps": 20, "cfg": 5.0,
		"sampler_name": "euler", "scheduler": "simple", "denoise": 1.0,
		"negative_prompt": "blurry, low quality, distorted", "fps": 16, "frames": 33,
	},
	"mesh": {
		"steps": 20, "cfg": 7.0,
		"negative_prompt": "blurry, low quality, multiple objects",
		"resolution": 256, "model": "v1-5-pruned-emaonly.ckpt",
	},
}

var envKeys = map[string]string{
	"image": "COMFY_MCP_DEFAULT_IMAGE_MODEL",
	"audio": "COMFY_MCP_DEFAULT_AUDIO_MODEL",
	"video": "COMFY_MCP_DEFAULT_VIDEO_MODEL",
	"mesh":  "COMFY_MCP_DEFAULT_MESH_MODEL",
}

// Source identifies which tier of the precedence chain supplied a value.
type Source string

const (
	SourceRuntime   Source = "runtime"
	SourceConfig    Source = "config"
	SourceEnv       Source = "env"
	SourceHardcoded Source = "hardcoded"
)

// Manager resolves parameter defaults per namespace.
type Manager struct {
	mu      sync.RWMutex
	runtime map[string]map[string]interface{}
	config  map[string]map[string]interface{}
}

// NewManager creates a Manager. fileDefaults is the persisted-config tier,
// typically the "defaults" section of the server config file; it may be nil.
func NewManager(fileDefaults map[string]map[string]interface{}) *Manager {
	m := &Manager{
		runtime: make(map[string]map[string]interface{}),
		config:  make(map[string]map[string]interface{}),
	}
	for _, ns := range Namespaces {
		m.runtime[ns] = make(map[string]interface{})
		m.config[ns] = make(map[string]interface{})
	}
	for ns, vals := range fileDefaults {
		if _, ok := m.config[ns]; !ok {
			continue
		}
		for k, v := range vals {
			m.config[ns][k] = v
		}
	}
	return m
}

// Lookup returns the default for key in the given namespace, walking the
// precedence chain. The returned Source tells which tier supplied the value.
func (m *Manager) Lookup(namespace, key string) (interface{}, Source, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.runtime[namespace][key]; ok {
		return v, SourceRuntime, true
	}
	if v, ok := m.config[namespace][key]; ok {
		return v, SourceConfig, true
	}
	if key == "model" {
		if envKey, ok := envKeys[namespace]; ok {
			if v := os.Getenv(envKey); v != "" {
				return v, SourceEnv, true
			}
		}
	}
	if v, ok := hardcoded[namespace][key]; ok {
		return v, SourceHardcoded, true
	}
	return nil, "", false
}

// Set installs runtime defaults for a namespace. Runtime values outrank the
// config file and survive until process exit.
func (m *Manager) Set(namespace string, values map[string]interface{}) error {
	if !validNamespace(namespace) {
		return fmt.Errorf("invalid namespace %q, must be one of %v", namespace, Namespaces)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.runtime[namespace][k] = v
	}
	return nil
}

// All returns the fully merged view per namespace, lowest tier first so
// higher tiers overwrite.
func (m *Manager) All() map[string]map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]map[string]interface{}, len(Namespaces))
	for _, ns := range Namespaces {
		merged := make(map[string]interface{})
		for k, v := range hardcoded[ns] {
			merged[k] = v
		}
		if envKey, ok := envKeys[ns]; ok {
			if v := os.Getenv(envKey); v != "" {
				merged["model"] = v
			}
		}
		for k, v := range m.config[ns] {
			merged[k] = v
		}
		for k, v := range m.runtime[ns] {
			merged[k] = v
		}
		out[ns] = merged
	}
	return out
}

func validNamespace(ns string) bool {
	for _, n := range Namespaces {
		if n == ns {
			return true
		}
	}
	return false
}
