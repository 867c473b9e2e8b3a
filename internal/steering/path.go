package steering

import (
	"strconv"
	"strings"
)

// Resolve walks a dotted path through the context tree. The present flag
// distinguishes a missing path from a stored nil or falsy value.
func Resolve(ctx map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}

	var current interface{} = ctx
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// SetPath writes a value at a dotted path, creating intermediate maps. It
// fails only when a path segment crosses a non-map value.
func SetPath(ctx map[string]interface{}, path string, value interface{}) bool {
	parts := strings.Split(path, ".")
	node := ctx
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part]
		if !ok {
			child := make(map[string]interface{})
			node[part] = child
			node = child
			continue
		}
		child, ok := next.(map[string]interface{})
		if !ok {
			return false
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
	return true
}

// DeletePath removes the value at a dotted path. Missing paths are a no-op.
func DeletePath(ctx map[string]interface{}, path string) {
	parts := strings.Split(path, ".")
	node := ctx
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part].(map[string]interface{})
		if !ok {
			return
		}
		node = next
	}
	delete(node, parts[len(parts)-1])
}

// DeepCopy clones a context tree of maps, slices, and scalars. Rule actions
// apply to a copy so a failing rule never mutates the caller's context.
func DeepCopy(v interface{}) interface{} {
	switch node := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(node))
		for k, e := range node {
			out[k] = DeepCopy(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(node))
		for i, e := range node {
			out[i] = DeepCopy(e)
		}
		return out
	default:
		return node
	}
}

// CopyContext is DeepCopy specialized to the root map.
func CopyContext(ctx map[string]interface{}) map[string]interface{} {
	return DeepCopy(ctx).(map[string]interface{})
}
