package statesync

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// ApplyDelta applies ops to a copy of base and returns the result. base is
// left untouched. A failing operation aborts the whole batch.
func ApplyDelta(base any, ops []Operation) (any, error) {
	doc, err := normalize(base)
	if err != nil {
		return nil, fmt.Errorf("statesync: normalize base: %w", err)
	}
	for i, op := range ops {
		if op.Value, err = normalize(op.Value); err != nil {
			return nil, &patchError{index: i, op: op, msg: "value is not JSON: " + err.Error()}
		}
		doc, err = applyOp(doc, op)
		if err != nil {
			return nil, &patchError{index: i, op: op, msg: err.Error()}
		}
	}
	return doc, nil
}

type patchError struct {
	index int
	op    Operation
	msg   string
}

func (e *patchError) Error() string {
	return fmt.Sprintf("operation %d (%s %s): %s", e.index, e.op.Op, e.op.Path, e.msg)
}

func applyOp(doc any, op Operation) (any, error) {
	path, err := parsePointer(op.Path)
	if err != nil {
		return nil, err
	}
	switch op.Op {
	case OpAdd:
		return setAt(doc, path, deepClone(op.Value), true)
	case OpReplace:
		return setAt(doc, path, deepClone(op.Value), false)
	case OpRemove:
		return removeAt(doc, path), nil
	case OpMove, OpCopy:
		from, err := parsePointer(op.From)
		if err != nil {
			return nil, err
		}
		v, ok := getAt(doc, from)
		if !ok {
			return nil, fmt.Errorf("from %q does not exist", op.From)
		}
		if op.Op == OpCopy {
			return setAt(doc, path, deepClone(v), true)
		}
		if op.From == op.Path {
			return doc, nil
		}
		if strings.HasPrefix(op.Path, op.From+"/") {
			return nil, fmt.Errorf("cannot move %q into its own child", op.From)
		}
		return setAt(removeAt(doc, from), path, v, true)
	default:
		return nil, fmt.Errorf("unknown op %q", op.Op)
	}
}

func parsePointer(p string) ([]string, error) {
	if p == "" {
		return nil, nil
	}
	if p[0] != '/' {
		return nil, fmt.Errorf("path %q must start with /", p)
	}
	parts := strings.Split(p[1:], "/")
	for i, s := range parts {
		parts[i] = strings.ReplaceAll(strings.ReplaceAll(s, "~1", "/"), "~0", "~")
	}
	return parts, nil
}

func escapeToken(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "~", "~0"), "/", "~1")
}

func arrayIndex(tok string, limit int) (int, error) {
	i, err := strconv.Atoi(tok)
	if err != nil || i < 0 || i >= limit || (len(tok) > 1 && tok[0] == '0') {
		return 0, fmt.Errorf("array index %q out of range", tok)
	}
	return i, nil
}

// setAt writes value at path, creating missing intermediate objects. With
// insert set, array targets shift existing elements right.
func setAt(doc any, path []string, value any, insert bool) (any, error) {
	if len(path) == 0 {
		return value, nil
	}
	head, rest := path[0], path[1:]
	switch node := doc.(type) {
	case map[string]any:
		if len(rest) == 0 {
			node[head] = value
			return node, nil
		}
		child, err := setAt(node[head], rest, value, insert)
		if err != nil {
			return nil, err
		}
		node[head] = child
		return node, nil
	case []any:
		if len(rest) == 0 {
			if head == "-" {
				return append(node, value), nil
			}
			if insert {
				i, err := arrayIndex(head, len(node)+1)
				if err != nil {
					return nil, err
				}
				node = append(node, nil)
				copy(node[i+1:], node[i:])
				node[i] = value
				return node, nil
			}
			i, err := arrayIndex(head, len(node))
			if err != nil {
				return nil, err
			}
			node[i] = value
			return node, nil
		}
		i, err := arrayIndex(head, len(node))
		if err != nil {
			return nil, err
		}
		child, err := setAt(node[i], rest, value, insert)
		if err != nil {
			return nil, err
		}
		node[i] = child
		return node, nil
	case nil:
		return setAt(map[string]any{}, path, value, insert)
	default:
		return nil, fmt.Errorf("cannot descend into %T at %q", doc, head)
	}
}

// removeAt deletes the value at path. Missing targets are left alone.
func removeAt(doc any, path []string) any {
	if len(path) == 0 {
		return nil
	}
	head, rest := path[0], path[1:]
	switch node := doc.(type) {
	case map[string]any:
		child, ok := node[head]
		if !ok {
			return node
		}
		if len(rest) == 0 {
			delete(node, head)
			return node
		}
		node[head] = removeAt(child, rest)
		return node
	case []any:
		i, err := arrayIndex(head, len(node))
		if err != nil {
			return node
		}
		if len(rest) == 0 {
			return append(node[:i], node[i+1:]...)
		}
		node[i] = removeAt(node[i], rest)
		return node
	default:
		return doc
	}
}

func getAt(doc any, path []string) (any, bool) {
	for _, tok := range path {
		switch node := doc.(type) {
		case map[string]any:
			v, ok := node[tok]
			if !ok {
				return nil, false
			}
			doc = v
		case []any:
			i, err := arrayIndex(tok, len(node))
			if err != nil {
				return nil, false
			}
			doc = node[i]
		default:
			return nil, false
		}
	}
	return doc, true
}

// diff returns operations that turn prev into next. Objects are compared key
// by key; any other differing value, arrays included, is replaced whole.
func diff(prev, next any) []Operation {
	var ops []Operation
	diffInto(&ops, "", prev, next)
	return ops
}

func diffInto(ops *[]Operation, path string, prev, next any) {
	om, prevIsMap := prev.(map[string]any)
	nm, nextIsMap := next.(map[string]any)
	if !prevIsMap || !nextIsMap {
		if !reflect.DeepEqual(prev, next) {
			*ops = append(*ops, Operation{Op: OpReplace, Path: path, Value: deepClone(next)})
		}
		return
	}

	removed := make([]string, 0)
	for k := range om {
		if _, ok := nm[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	for _, k := range removed {
		*ops = append(*ops, Operation{Op: OpRemove, Path: path + "/" + escapeToken(k)})
	}

	keys := make([]string, 0, len(nm))
	for k := range nm {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := path + "/" + escapeToken(k)
		ov, ok := om[k]
		if !ok {
			*ops = append(*ops, Operation{Op: OpAdd, Path: p, Value: deepClone(nm[k])})
			continue
		}
		diffInto(ops, p, ov, nm[k])
	}
}
