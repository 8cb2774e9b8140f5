// Package template loads ComfyUI API-format workflow templates and renders
// executable graphs from caller parameters.
//
// A template is a JSON mapping of node id to {class_type, inputs}. Input
// values may be literals, links to other nodes' outputs ([node_id, slot]),
// or placeholder tokens: PARAM_INT_NAME, PARAM_FLOAT_NAME, PARAM_STR_NAME,
// or the untyped PARAM_NAME whose type is taken from a discoverable default.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Node is a single operation in a workflow graph.
type Node struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
}

// Graph is an executable workflow in ComfyUI API format.
type Graph map[string]Node

// ParamType is the declared value type of a template parameter.
type ParamType string

const (
	TypeInteger ParamType = "integer"
	TypeFloat   ParamType = "float"
	TypeString  ParamType = "string"
	TypeBoolean ParamType = "boolean"
)

// ParameterSpec describes one placeholder-bound parameter of a template.
type ParameterSpec struct {
	Name     string      `json:"name"`
	Type     ParamType   `json:"type"`
	Required bool        `json:"required"`
	Token    string      `json:"token"`
	Default  interface{} `json:"default,omitempty"`
}

// Definition is a loaded template: the raw graph plus the parameter schema
// derived from it. Immutable once loaded.
type Definition struct {
	ToolName          string                   `json:"tool_name"`
	Namespace         string                   `json:"namespace"`
	Parameters        map[string]ParameterSpec `json:"parameters"`
	OutputPreferences []string                 `json:"output_preferences"`
	Graph             Graph                    `json:"-"`
}

var tokenPattern = regexp.MustCompile(`PARAM_(?:(INT|FLOAT|STR)_)?([A-Z0-9][A-Z0-9_]*)`)

// anyTokenPattern matches any surviving placeholder, used by the
// post-substitution safety scan.
var anyTokenPattern = regexp.MustCompile(`PARAM_[A-Z0-9_]+`)

type tokenOccurrence struct {
	token  string
	marker string // "INT", "FLOAT", "STR", or "" for untyped
	name   string // logical parameter name, lowercased
}

func scanTokens(g Graph) []tokenOccurrence {
	var occs []tokenOccurrence
	for _, node := range g {
		for _, v := range node.Inputs {
			scanValue(v, &occs)
		}
	}
	return occs
}

func scanValue(v interface{}, occs *[]tokenOccurrence) {
	switch t := v.(type) {
	case string:
		for _, m := range tokenPattern.FindAllStringSubmatch(t, -1) {
			*occs = append(*occs, tokenOccurrence{
				token:  m[0],
				marker: m[1],
				name:   strings.ToLower(m[2]),
			})
		}
	case []interface{}:
		for _, e := range t {
			scanValue(e, occs)
		}
	case map[string]interface{}:
		for _, e := range t {
			scanValue(e, occs)
		}
	}
}

func markerType(marker string) (ParamType, bool) {
	switch marker {
	case "INT":
		return TypeInteger, true
	case "FLOAT":
		return TypeFloat, true
	case "STR":
		return TypeString, true
	}
	return "", false
}

// typeOf infers a ParamType from a default value's dynamic type.
func typeOf(v interface{}) (ParamType, bool) {
	switch v.(type) {
	case int, int32, int64:
		return TypeInteger, true
	case float32, float64:
		return TypeFloat, true
	case string:
		return TypeString, true
	case bool:
		return TypeBoolean, true
	}
	return "", false
}

// coerce converts a supplied value to the parameter's declared type. It
// never falls back silently; an unconvertible value is an error.
func coerce(v interface{}, typ ParamType) (interface{}, error) {
	switch typ {
	case TypeInteger:
		switch t := v.(type) {
		case int:
			return int64(t), nil
		case int64:
			return t, nil
		case float64:
			if t == float64(int64(t)) {
				return int64(t), nil
			}
			return nil, fmt.Errorf("value %v is not a whole number", t)
		case json.Number:
			return t.Int64()
		case string:
			return strconv.ParseInt(t, 10, 64)
		}
	case TypeFloat:
		switch t := v.(type) {
		case int:
			return float64(t), nil
		case int64:
			return float64(t), nil
		case float64:
			return t, nil
		case json.Number:
			return t.Float64()
		case string:
			return strconv.ParseFloat(t, 64)
		}
	case TypeBoolean:
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			return strconv.ParseBool(t)
		}
	case TypeString:
		switch t := v.(type) {
		case string:
			return t, nil
		case int, int64, float64, bool, json.Number:
			return toText(t), nil
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, typ)
}

func toText(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	}
	return fmt.Sprintf("%v", v)
}

// substituteValue replaces every occurrence of token inside v. A value that
// is exactly the token takes the typed replacement; a token embedded in a
// larger string is replaced textually.
func substituteValue(v interface{}, token string, replacement interface{}) interface{} {
	switch t := v.(type) {
	case string:
		if t == token {
			return replacement
		}
		if strings.Contains(t, token) {
			return strings.ReplaceAll(t, token, toText(replacement))
		}
		return t
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = substituteValue(e, token, replacement)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = substituteValue(e, token, replacement)
		}
		return out
	}
	return v
}

// findToken returns the first placeholder token still present anywhere in
// the graph, or "" if the graph is fully resolved.
func findToken(g Graph) string {
	for _, node := range g {
		if tok := findTokenIn(node.Inputs); tok != "" {
			return tok
		}
	}
	return ""
}

func findTokenIn(v interface{}) string {
	switch t := v.(type) {
	case string:
		return anyTokenPattern.FindString(t)
	case []interface{}:
		for _, e := range t {
			if tok := findTokenIn(e); tok != "" {
				return tok
			}
		}
	case map[string]interface{}:
		for _, e := range t {
			if tok := findTokenIn(e); tok != "" {
				return tok
			}
		}
	}
	return ""
}

func cloneGraph(g Graph) Graph {
	out := make(Graph, len(g))
	for id, node := range g {
		cloned := Node{ClassType: node.ClassType}
		if node.Inputs != nil {
			cloned.Inputs = cloneValue(node.Inputs).(map[string]interface{})
		}
		out[id] = cloned
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	}
	return v
}

// detectNamespace classifies a graph into a defaults namespace by the node
// types present, mirroring how workflows are categorized upstream.
func detectNamespace(g Graph) string {
	types := make(map[string]bool, len(g))
	for _, node := range g {
		types[node.ClassType] = true
	}

	for _, t := range []string{"TripoSGModelLoader", "TripoSGLoader", "Hy3DModelLoader", "Hy3DGenerateMesh", "Hy3DExportMesh"} {
		if types[t] {
			return "mesh"
		}
	}
	for _, t := range []string{"WanVideoSampler", "HunyuanVideoSampler", "SaveVideo", "VHS_VideoCombine", "SaveWEBM"} {
		if types[t] {
			return "video"
		}
	}
	for _, t := range []string{"SaveAudio", "EmptyAceStepLatentAudio", "TextEncodeAceStepAudio", "SaveAudioMP3"} {
		if types[t] {
			return "audio"
		}
	}
	return "image"
}

func outputPreferences(namespace string) []string {
	switch namespace {
	case "video":
		return []string{"gifs", "videos", "video", "images", "files"}
	case "audio":
		return []string{"audio", "audios", "files"}
	case "mesh":
		return []string{"mesh", "meshes", "files", "images"}
	}
	return []string{"images", "image", "files"}
}
