package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrPathNotEditable is returned when a patch targets a path outside the
	// editable whitelist.
	ErrPathNotEditable = errors.New("model: path is not editable")
	// ErrPatchTestFailed is returned when a test op does not match the
	// current document value.
	ErrPatchTestFailed = errors.New("model: patch test failed")
)

// editablePaths whitelists the canonical-order paths a user correction may
// touch. Everything else — evidence, meta, confidence — is parser-owned and
// immutable.
var editablePaths = []*regexp.Regexp{
	regexp.MustCompile(`^/customer/resolvedId$`),
	regexp.MustCompile(`^/customer/resolutionStatus$`),
	regexp.MustCompile(`^/customer/inputName/value$`),
	regexp.MustCompile(`^/lineItems/\d+/(sku|gtin|productName|currency)/value$`),
	regexp.MustCompile(`^/lineItems/\d+/(quantity|unitPriceSource|lineTotalSource)/value$`),
	regexp.MustCompile(`^/lineItems/\d+/resolvedItemId$`),
	regexp.MustCompile(`^/lineItems/\d+/itemResolution$`),
	regexp.MustCompile(`^/schemaInference/columnMappings/\d+/(canonicalField|method)$`),
}

// PathEditable reports whether a JSON-pointer path may be patched.
func PathEditable(path string) bool {
	for _, re := range editablePaths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// ApplyPatch applies RFC-6902-style add/replace/remove/test operations to the
// order, restricted to the editable-path whitelist. The order is mutated only
// if every operation succeeds.
func ApplyPatch(o *CanonicalOrder, ops []PatchOp) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("model: marshal order: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("model: unmarshal order: %w", err)
	}

	for i, op := range ops {
		if !PathEditable(op.Path) {
			return fmt.Errorf("%w: op %d path %q", ErrPathNotEditable, i, op.Path)
		}
		switch op.Op {
		case "add", "replace":
			var v any
			if err := json.Unmarshal(op.Value, &v); err != nil {
				return fmt.Errorf("model: op %d: decode value: %w", i, err)
			}
			if err := pointerSet(doc, op.Path, v); err != nil {
				return fmt.Errorf("model: op %d: %w", i, err)
			}
		case "remove":
			if err := pointerSet(doc, op.Path, nil); err != nil {
				return fmt.Errorf("model: op %d: %w", i, err)
			}
		case "test":
			var want any
			if err := json.Unmarshal(op.Value, &want); err != nil {
				return fmt.Errorf("model: op %d: decode value: %w", i, err)
			}
			got, err := pointerGet(doc, op.Path)
			if err != nil {
				return fmt.Errorf("model: op %d: %w", i, err)
			}
			if !reflect.DeepEqual(got, want) {
				return fmt.Errorf("%w: op %d path %q", ErrPatchTestFailed, i, op.Path)
			}
		default:
			return fmt.Errorf("model: op %d: unsupported op %q", i, op.Op)
		}
	}

	patched, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("model: marshal patched order: %w", err)
	}
	var next CanonicalOrder
	if err := json.Unmarshal(patched, &next); err != nil {
		return fmt.Errorf("model: unmarshal patched order: %w", err)
	}
	*o = next
	return nil
}

// PointerValue reads the value at a JSON-pointer path of the order.
func PointerValue(o *CanonicalOrder, path string) (any, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("model: marshal order: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("model: unmarshal order: %w", err)
	}
	return pointerGet(doc, path)
}

func splitPointer(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("pointer %q must start with /", path)
	}
	parts := strings.Split(path[1:], "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return parts, nil
}

func pointerGet(doc any, path string) (any, error) {
	parts, err := splitPointer(path)
	if err != nil {
		return nil, err
	}
	cur := doc
	for _, p := range parts {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[p]
			if !ok {
				return nil, fmt.Errorf("pointer %q: key %q not found", path, p)
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(p)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("pointer %q: bad array index %q", path, p)
			}
			cur = node[idx]
		default:
			return nil, fmt.Errorf("pointer %q: cannot descend into %T", path, cur)
		}
	}
	return cur, nil
}

func pointerSet(doc any, path string, value any) error {
	parts, err := splitPointer(path)
	if err != nil {
		return err
	}
	cur := doc
	for i, p := range parts[:len(parts)-1] {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[p]
			if !ok || v == nil {
				// Materialize intermediate objects for add ops on optional
				// fields (e.g. setting resolvedId on a fresh customer).
				child := map[string]any{}
				node[p] = child
				cur = child
				continue
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(p)
			if err != nil || idx < 0 || idx >= len(node) {
				return fmt.Errorf("pointer %q: bad array index %q", path, p)
			}
			cur = node[idx]
		default:
			return fmt.Errorf("pointer %q: cannot descend into %T at %q", path, cur, parts[i])
		}
	}

	last := parts[len(parts)-1]
	switch node := cur.(type) {
	case map[string]any:
		if value == nil {
			delete(node, last)
		} else {
			node[last] = value
		}
		return nil
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(node) {
			return fmt.Errorf("pointer %q: bad array index %q", path, last)
		}
		node[idx] = value
		return nil
	default:
		return fmt.Errorf("pointer %q: cannot assign into %T", path, cur)
	}
}
