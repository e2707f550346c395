// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package loader parses pipeline YAML files into immutable PipelineDefs
// and validates them against the action registry.
//
// A file is rooted at "YAMLpipeline" (single pipeline) or
// "YAMLpipelines" (list). Pipelines may extend a parent via "extends";
// the child is deep-merged onto the parent: mappings merge recursively
// and the steps list merges by step id, preserving parent order and
// appending new child steps.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
)

// orderKey carries declared key order from parse to buildDef inside
// the raw step mapping. It never appears in pipeline YAML and is
// stripped before the StepDef is built.
const orderKey = "__declared_order"

// orderedStepKeys are the step parameters whose mapping key order is
// semantically significant: prefix_router routes match in declaration
// order and parallel_roads snapshot plans run in declaration order.
var orderedStepKeys = []string{"routes", "snapshots"}

// Loader resolves and parses pipeline files under a single root
// directory. Safe for concurrent use; it holds no mutable state.
type Loader struct {
	// PipelinesRoot is the directory bare extends names resolve
	// against, and the boundary non-test pipelines may not escape.
	PipelinesRoot string
}

// New returns a Loader rooted at dir.
func New(dir string) *Loader {
	return &Loader{PipelinesRoot: dir}
}

// LoadFile parses one YAML file into its pipeline definitions,
// resolving extends chains.
//
// # Errors
//
// All failures wrap datatypes.ErrConfig: unreadable file, missing
// root key, missing name, non-mapping settings, non-list steps, steps
// without id/action, extends cycles, and extends paths that are
// absolute (outside test pipelines) or escape PipelinesRoot.
func (l *Loader) LoadFile(path string) ([]*datatypes.PipelineDef, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %v", datatypes.ErrConfig, path, err)
	}
	rawPipelines, err := l.loadRawFile(abs, nil)
	if err != nil {
		return nil, err
	}
	defs := make([]*datatypes.PipelineDef, 0, len(rawPipelines))
	for _, raw := range rawPipelines {
		def, err := buildDef(raw, abs)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadDir loads every *.yaml / *.yml file directly under dir. Files
// failing to load abort the whole call; a pipelines root is expected
// to be fully valid.
func (l *Loader) LoadDir(dir string) ([]*datatypes.PipelineDef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read pipelines dir %q: %v", datatypes.ErrConfig, dir, err)
	}
	var defs []*datatypes.PipelineDef
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		loaded, err := l.LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, loaded...)
	}
	return defs, nil
}

// loadRawFile parses a file and resolves extends for every pipeline in
// it. visiting is the extends path accumulator for cycle detection.
func (l *Loader) loadRawFile(absPath string, visiting []string) ([]map[string]any, error) {
	for _, seen := range visiting {
		if seen == absPath {
			chain := append(append([]string{}, visiting...), absPath)
			return nil, fmt.Errorf("%w: extends cycle detected: %s",
				datatypes.ErrConfig, strings.Join(chain, " -> "))
		}
	}
	visiting = append(visiting, absPath)

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read %q: %v", datatypes.ErrConfig, absPath, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %q: %v", datatypes.ErrConfig, absPath, err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err == nil {
		injectDeclaredOrder(&root, doc)
	}

	var rawPipelines []map[string]any
	switch {
	case doc["YAMLpipeline"] != nil:
		m, ok := doc["YAMLpipeline"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q: YAMLpipeline must be a mapping", datatypes.ErrConfig, absPath)
		}
		rawPipelines = []map[string]any{m}
	case doc["YAMLpipelines"] != nil:
		list, ok := doc["YAMLpipelines"].([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q: YAMLpipelines must be a list", datatypes.ErrConfig, absPath)
		}
		for i, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: %q: YAMLpipelines[%d] must be a mapping", datatypes.ErrConfig, absPath, i)
			}
			rawPipelines = append(rawPipelines, m)
		}
	default:
		return nil, fmt.Errorf("%w: %q: missing YAMLpipeline or YAMLpipelines root", datatypes.ErrConfig, absPath)
	}

	out := make([]map[string]any, 0, len(rawPipelines))
	for _, p := range rawPipelines {
		resolved, err := l.resolveExtends(p, absPath, visiting)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved)
	}
	return out, nil
}

// resolveExtends merges a pipeline onto its parent chain, innermost
// parent first.
func (l *Loader) resolveExtends(child map[string]any, childPath string, visiting []string) (map[string]any, error) {
	ref, hasExtends := child["extends"]
	if !hasExtends {
		return child, nil
	}
	refStr, ok := ref.(string)
	if !ok || strings.TrimSpace(refStr) == "" {
		return nil, fmt.Errorf("%w: %q: extends must be a non-empty string", datatypes.ErrConfig, childPath)
	}

	parentPath, err := l.resolveExtendsPath(refStr, childPath, isTestPipeline(child))
	if err != nil {
		return nil, err
	}
	parents, err := l.loadRawFile(parentPath, visiting)
	if err != nil {
		return nil, err
	}
	if len(parents) != 1 {
		return nil, fmt.Errorf("%w: %q: extends target %q must contain exactly one pipeline",
			datatypes.ErrConfig, childPath, parentPath)
	}

	merged := deepMerge(parents[0], child)
	delete(merged, "extends")
	return merged, nil
}

// resolveExtendsPath maps an extends reference to an absolute file
// path and enforces the escape rules: absolute paths only for test
// pipelines, and the normalized target must stay inside PipelinesRoot
// for non-test pipelines.
func (l *Loader) resolveExtendsPath(ref, childPath string, isTest bool) (string, error) {
	var candidate string
	switch {
	case filepath.IsAbs(ref):
		if !isTest {
			return "", fmt.Errorf("%w: %q: absolute extends path %q is only allowed with settings.test=true",
				datatypes.ErrConfig, childPath, ref)
		}
		candidate = ref
	case strings.ContainsRune(ref, os.PathSeparator) || strings.ContainsRune(ref, '/'):
		candidate = filepath.Join(filepath.Dir(childPath), ref)
	default:
		// Bare name.
		name := ref
		if filepath.Ext(name) == "" {
			name += ".yaml"
		}
		candidate = filepath.Join(l.PipelinesRoot, name)
	}

	abs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: resolve extends %q: %v", datatypes.ErrConfig, ref, err)
	}
	if !isTest && l.PipelinesRoot != "" {
		root, err := filepath.Abs(l.PipelinesRoot)
		if err != nil {
			return "", fmt.Errorf("%w: resolve pipelines root: %v", datatypes.ErrConfig, err)
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			return "", fmt.Errorf("%w: %q: extends %q escapes pipelines root %q",
				datatypes.ErrConfig, childPath, ref, root)
		}
	}
	return abs, nil
}

func isTestPipeline(raw map[string]any) bool {
	settings, ok := raw["settings"].(map[string]any)
	if !ok {
		return false
	}
	b, ok := settings["test"].(bool)
	return ok && b
}

// buildDef converts a resolved raw mapping into a PipelineDef,
// enforcing the structural rules.
func buildDef(raw map[string]any, path string) (*datatypes.PipelineDef, error) {
	name, _ := raw["name"].(string)
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: %q: pipeline name missing", datatypes.ErrConfig, path)
	}

	settings := map[string]any{}
	if v, present := raw["settings"]; present {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: pipeline %q: settings must be a mapping", datatypes.ErrConfig, name)
		}
		settings = m
	}

	rawSteps, present := raw["steps"]
	if !present {
		return nil, fmt.Errorf("%w: pipeline %q: steps missing", datatypes.ErrConfig, name)
	}
	stepList, ok := rawSteps.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: pipeline %q: steps must be a list", datatypes.ErrConfig, name)
	}

	steps := make([]datatypes.StepDef, 0, len(stepList))
	seen := map[string]struct{}{}
	for i, item := range stepList {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: pipeline %q: steps[%d] must be a mapping", datatypes.ErrConfig, name, i)
		}
		id, _ := m["id"].(string)
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("%w: pipeline %q: steps[%d] missing id", datatypes.ErrConfig, name, i)
		}
		action, _ := m["action"].(string)
		if strings.TrimSpace(action) == "" {
			return nil, fmt.Errorf("%w: pipeline %q: step %q missing action", datatypes.ErrConfig, name, id)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: pipeline %q: duplicate step id %q", datatypes.ErrConfig, name, id)
		}
		seen[id] = struct{}{}
		steps = append(steps, datatypes.StepDef{ID: id, Action: action, Raw: m, Order: extractDeclaredOrder(m)})
	}

	return &datatypes.PipelineDef{Name: name, Settings: settings, Steps: steps}, nil
}

// deepMerge merges child onto parent without mutating either. Mappings
// merge recursively; the "steps" list merges by step id; every other
// child value replaces the parent value.
func deepMerge(parent, child map[string]any) map[string]any {
	out := make(map[string]any, len(parent)+len(child))
	for k, v := range parent {
		out[k] = v
	}
	for k, cv := range child {
		pv, exists := out[k]
		if !exists {
			out[k] = cv
			continue
		}
		if k == orderKey {
			out[k] = mergeDeclaredOrder(pv, cv)
			continue
		}
		if k == "steps" {
			pList, pOK := pv.([]any)
			cList, cOK := cv.([]any)
			if pOK && cOK {
				out[k] = mergeSteps(pList, cList)
				continue
			}
		}
		pMap, pOK := pv.(map[string]any)
		cMap, cOK := cv.(map[string]any)
		if pOK && cOK {
			out[k] = deepMerge(pMap, cMap)
			continue
		}
		out[k] = cv
	}
	return out
}

// mergeSteps merges step lists by id: parent order is preserved, child
// entries with a matching id deep-merge onto the parent entry, and new
// child steps are appended in child order.
func mergeSteps(parent, child []any) []any {
	childByID := map[string]map[string]any{}
	var childOrder []string
	for _, item := range child {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		if id == "" {
			continue
		}
		childByID[id] = m
		childOrder = append(childOrder, id)
	}

	merged := make([]any, 0, len(parent)+len(child))
	taken := map[string]struct{}{}
	for _, item := range parent {
		m, ok := item.(map[string]any)
		if !ok {
			merged = append(merged, item)
			continue
		}
		id, _ := m["id"].(string)
		if c, overridden := childByID[id]; overridden {
			merged = append(merged, deepMerge(m, c))
			taken[id] = struct{}{}
		} else {
			merged = append(merged, m)
		}
	}
	for _, id := range childOrder {
		if _, already := taken[id]; already {
			continue
		}
		merged = append(merged, childByID[id])
		taken[id] = struct{}{}
	}
	return merged
}

// mergeDeclaredOrder unions two declared-order records the way mapping
// merges do: parent order first, child keys not in the parent appended.
func mergeDeclaredOrder(pv, cv any) any {
	pm, pOK := pv.(map[string]any)
	cm, cOK := cv.(map[string]any)
	if !pOK || !cOK {
		return cv
	}
	out := make(map[string]any, len(pm)+len(cm))
	for k, v := range pm {
		out[k] = v
	}
	for k, cval := range cm {
		pList, ok := out[k].([]any)
		if !ok {
			out[k] = cval
			continue
		}
		cList, ok := cval.([]any)
		if !ok {
			out[k] = cval
			continue
		}
		seen := make(map[string]struct{}, len(pList))
		union := make([]any, 0, len(pList)+len(cList))
		for _, item := range pList {
			if s, ok := item.(string); ok {
				seen[s] = struct{}{}
			}
			union = append(union, item)
		}
		for _, item := range cList {
			if s, ok := item.(string); ok {
				if _, dup := seen[s]; dup {
					continue
				}
			}
			union = append(union, item)
		}
		out[k] = union
	}
	return out
}

// injectDeclaredOrder walks the parsed node tree alongside doc and
// records, per step, the declared key order of order-sensitive mapping
// parameters. yaml.Unmarshal into map[string]any loses mapping order;
// the node tree keeps it in Node.Content.
func injectDeclaredOrder(root *yaml.Node, doc map[string]any) {
	node := root
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = deref(node.Content[0])
	}
	if node.Kind != yaml.MappingNode {
		return
	}
	if pn := mappingValue(node, "YAMLpipeline"); pn != nil {
		if m, ok := doc["YAMLpipeline"].(map[string]any); ok {
			injectPipelineOrder(deref(pn), m)
		}
	}
	if list := mappingValue(node, "YAMLpipelines"); list != nil {
		list = deref(list)
		if list.Kind != yaml.SequenceNode {
			return
		}
		docList, _ := doc["YAMLpipelines"].([]any)
		for i, pn := range list.Content {
			if i >= len(docList) {
				break
			}
			if m, ok := docList[i].(map[string]any); ok {
				injectPipelineOrder(deref(pn), m)
			}
		}
	}
}

// injectPipelineOrder stores each step's declared order record under
// orderKey in the corresponding decoded step mapping. Steps align by
// index; both views decode the same file.
func injectPipelineOrder(pn *yaml.Node, pipeline map[string]any) {
	if pn.Kind != yaml.MappingNode {
		return
	}
	stepsNode := mappingValue(pn, "steps")
	if stepsNode == nil {
		return
	}
	stepsNode = deref(stepsNode)
	if stepsNode.Kind != yaml.SequenceNode {
		return
	}
	stepsDoc, _ := pipeline["steps"].([]any)
	for i, sn := range stepsNode.Content {
		if i >= len(stepsDoc) {
			break
		}
		stepMap, ok := stepsDoc[i].(map[string]any)
		if !ok {
			continue
		}
		sn = deref(sn)
		if sn.Kind != yaml.MappingNode {
			continue
		}
		order := map[string]any{}
		for _, key := range orderedStepKeys {
			vn := mappingValue(sn, key)
			if vn == nil {
				continue
			}
			vn = deref(vn)
			if vn.Kind != yaml.MappingNode {
				continue
			}
			keys := make([]any, 0, len(vn.Content)/2)
			for j := 0; j+1 < len(vn.Content); j += 2 {
				keys = append(keys, vn.Content[j].Value)
			}
			order[key] = keys
		}
		if len(order) > 0 {
			stepMap[orderKey] = order
		}
	}
}

// extractDeclaredOrder pops the loader-internal order record from a
// resolved step mapping.
func extractDeclaredOrder(m map[string]any) map[string][]string {
	raw, ok := m[orderKey].(map[string]any)
	delete(m, orderKey)
	if !ok {
		return nil
	}
	order := make(map[string][]string, len(raw))
	for key, v := range raw {
		list, ok := v.([]any)
		if !ok {
			continue
		}
		keys := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				keys = append(keys, s)
			}
		}
		order[key] = keys
	}
	return order
}

// mappingValue returns the value node for a key in a mapping node.
func mappingValue(n *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// deref follows an alias node to its anchor.
func deref(n *yaml.Node) *yaml.Node {
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		return n.Alias
	}
	return n
}
