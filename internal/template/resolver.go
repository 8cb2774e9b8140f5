package template

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"comfy-mcp/server/internal/defaults"
	"comfy-mcp/server/internal/logging"
)

// Resolver loads workflow templates from a directory and renders concrete
// graphs from caller parameters. The template table is swapped atomically on
// load so in-flight renders always observe a complete set.
type Resolver struct {
	dir      string
	defaults *defaults.Manager
	logger   *logging.Logger
	table    atomic.Pointer[map[string]*Definition]
}

// NewResolver creates a Resolver for the given template directory. Call
// Load before rendering.
func NewResolver(dir string, dm *defaults.Manager, logger *logging.Logger) *Resolver {
	r := &Resolver{dir: dir, defaults: dm, logger: logger}
	empty := make(map[string]*Definition)
	r.table.Store(&empty)
	return r
}

// Load parses every *.json file in the template directory and swaps the
// whole table in one step. A malformed file is skipped and logged; it never
// prevents the rest from loading.
func (r *Resolver) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read template directory %s: %w", r.dir, err)
	}

	table := make(map[string]*Definition)
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		def, err := r.parseFile(path)
		if err != nil {
			r.logger.Error("skipping template %s: %v", entry.Name(), err)
			continue
		}
		table[def.ToolName] = def
	}

	r.table.Store(&table)
	r.logger.Info("loaded %d workflow template(s) from %s", len(table), r.dir)
	return nil
}

func (r *Resolver) parseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var graph Graph
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	for id, node := range graph {
		if node.ClassType == "" {
			return nil, fmt.Errorf("node %q has no class_type", id)
		}
	}

	toolName := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	namespace := detectNamespace(graph)

	params := make(map[string]ParameterSpec)
	for _, occ := range scanTokens(graph) {
		typ, typed := markerType(occ.marker)
		def, _, hasDefault := r.defaults.Lookup(namespace, occ.name)
		if !typed {
			// Untyped marker: the type comes from a discoverable default,
			// falling back to string for defaultless parameters.
			if hasDefault {
				if inferred, ok := typeOf(def); ok {
					typ = inferred
				} else {
					typ = TypeString
				}
			} else {
				typ = TypeString
			}
		}

		spec := ParameterSpec{
			Name:     occ.name,
			Type:     typ,
			Required: !hasDefault,
			Token:    occ.token,
		}
		if hasDefault {
			spec.Default = def
		}

		if existing, seen := params[occ.name]; seen {
			if existing.Token != occ.token {
				return nil, &DefinitionConflictError{
					Template: toolName,
					Param:    occ.name,
					Tokens:   []string{existing.Token, occ.token},
				}
			}
			continue
		}
		params[occ.name] = spec
	}

	return &Definition{
		ToolName:          toolName,
		Namespace:         namespace,
		Parameters:        params,
		OutputPreferences: outputPreferences(namespace),
		Graph:             graph,
	}, nil
}

// Definitions returns the parsed schema of every loaded template, sorted by
// tool name. Pure read; safe for concurrent use.
func (r *Resolver) Definitions() []*Definition {
	table := *r.table.Load()
	defs := make([]*Definition, 0, len(table))
	for _, d := range table {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ToolName < defs[j].ToolName })
	return defs
}

// Definition returns the loaded template with the given tool name.
func (r *Resolver) Definition(toolName string) (*Definition, bool) {
	d, ok := (*r.table.Load())[toolName]
	return d, ok
}

// Render produces an executable graph from a template and caller parameters.
// Unset parameters fall back through the defaults precedence chain. Every
// placeholder occurrence is substituted; a surviving token fails the render.
func (r *Resolver) Render(toolName string, params map[string]interface{}) (Graph, error) {
	def, ok := r.Definition(toolName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, toolName)
	}

	resolved := make(map[string]interface{}, len(def.Parameters))
	for name, spec := range def.Parameters {
		raw, supplied := params[name]
		if !supplied || raw == nil {
			if v, _, found := r.defaults.Lookup(def.Namespace, name); found {
				raw = v
			} else {
				return nil, &ValidationError{Param: name, Expected: spec.Type, Reason: "missing required parameter"}
			}
		}
		v, err := coerce(raw, spec.Type)
		if err != nil {
			return nil, &ValidationError{Param: name, Expected: spec.Type, Reason: err.Error()}
		}
		resolved[name] = v
	}

	// Substitute longest tokens first so a token that is a prefix of
	// another (PARAM_STR_PROMPT vs PARAM_STR_PROMPT_B) never clobbers the
	// longer occurrence.
	type binding struct {
		token string
		value interface{}
	}
	ordered := make([]binding, 0, len(def.Parameters))
	for name, spec := range def.Parameters {
		ordered = append(ordered, binding{token: spec.Token, value: resolved[name]})
	}
	sort.Slice(ordered, func(i, j int) bool { return len(ordered[i].token) > len(ordered[j].token) })

	graph := cloneGraph(def.Graph)
	for id, node := range graph {
		if node.Inputs == nil {
			continue
		}
		for _, b := range ordered {
			node.Inputs = substituteValue(node.Inputs, b.token, b.value).(map[string]interface{})
		}
		graph[id] = node
	}

	if tok := findToken(graph); tok != "" {
		return nil, &IncompleteTemplateError{Template: toolName, Token: tok}
	}
	return graph, nil
}

// Watch reloads the template table when files in the directory change.
// Events are debounced so an editor save (write + rename) triggers one
// reload. Returns when ctx is cancelled.
func (r *Resolver) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create template watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", r.dir, err)
	}

	var debounce *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Ext(event.Name), ".json") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("template watcher: %v", err)
		case <-reload:
			if err := r.Load(); err != nil {
				r.logger.Error("template refresh failed: %v", err)
			}
		}
	}
}
