package auth

import (
	"encoding/json"
	"fmt"
	"strings"
)

// WildcardKey grants every permission when it appears as a true leaf
// at the top level of a document.
const WildcardKey = "all"

// PermissionNode is a tagged permission tree: either a boolean leaf or
// a branch of named children. Documents are persisted as opaque JSON
// and validated into this shape at the storage boundary; malformed
// documents are rejected there rather than silently treated as empty.
type PermissionNode struct {
	leaf   bool
	value  bool
	branch map[string]*PermissionNode
}

// Leaf returns a boolean leaf node.
func Leaf(v bool) *PermissionNode {
	return &PermissionNode{leaf: true, value: v}
}

// Branch returns a branch node with the given children.
func Branch(children map[string]*PermissionNode) *PermissionNode {
	if children == nil {
		children = map[string]*PermissionNode{}
	}
	return &PermissionNode{branch: children}
}

// IsLeaf reports whether the node is a boolean leaf.
func (n *PermissionNode) IsLeaf() bool { return n != nil && n.leaf }

// Bool returns the leaf value; false for branches and nil nodes.
func (n *PermissionNode) Bool() bool { return n != nil && n.leaf && n.value }

// Child returns the named child of a branch node.
func (n *PermissionNode) Child(key string) (*PermissionNode, bool) {
	if n == nil || n.leaf {
		return nil, false
	}
	c, ok := n.branch[key]
	return c, ok
}

// UnmarshalJSON accepts booleans and objects; anything else is a
// malformed document.
func (n *PermissionNode) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return fmt.Errorf("%w: permission node must be a boolean or object", ErrInvalidInput)
	}
	switch trimmed[0] {
	case 't', 'f':
		var v bool
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		*n = PermissionNode{leaf: true, value: v}
		return nil
	case '{':
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		children := make(map[string]*PermissionNode, len(raw))
		for key, payload := range raw {
			child := &PermissionNode{}
			if err := child.UnmarshalJSON(payload); err != nil {
				return fmt.Errorf("key %q: %w", key, err)
			}
			children[key] = child
		}
		*n = PermissionNode{branch: children}
		return nil
	default:
		return fmt.Errorf("%w: permission node must be a boolean or object", ErrInvalidInput)
	}
}

// MarshalJSON renders leaves as booleans and branches as objects.
func (n *PermissionNode) MarshalJSON() ([]byte, error) {
	if n == nil {
		return []byte("null"), nil
	}
	if n.leaf {
		return json.Marshal(n.value)
	}
	out := make(map[string]*PermissionNode, len(n.branch))
	for k, v := range n.branch {
		out[k] = v
	}
	return json.Marshal(out)
}

// ParsePermissions validates a persisted JSON document. Empty or null
// input yields a nil document (no overrides); the top level must be
// an object, not a bare boolean.
func ParsePermissions(raw []byte) (*PermissionNode, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: permission document must be an object", ErrInvalidInput)
	}
	node := &PermissionNode{}
	if err := node.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return node, nil
}

// Wildcard reports whether the document grants everything via a true
// "all" leaf at its top level.
func (n *PermissionNode) Wildcard() bool {
	if n == nil || n.leaf {
		return false
	}
	c, ok := n.branch[WildcardKey]
	return ok && c.IsLeaf() && c.Bool()
}

// Lookup walks a dotted path segment by segment. The second return
// value reports whether the path resolved to a boolean leaf; a
// missing segment, a leaf hit mid-path, or bottoming out on a branch
// all fail resolution.
func (n *PermissionNode) Lookup(path string) (bool, bool) {
	if n == nil || path == "" {
		return false, false
	}
	cur := n
	for _, segment := range strings.Split(path, ".") {
		if segment == "" {
			return false, false
		}
		next, ok := cur.Child(segment)
		if !ok {
			return false, false
		}
		cur = next
	}
	if !cur.IsLeaf() {
		return false, false
	}
	return cur.Bool(), true
}

// Resolve answers "does this principal hold permission path",
// combining the user override document with the role document:
//
//  1. a user-level wildcard or user-level leaf wins outright — even an
//     explicit false, which revokes a role-granted capability for one
//     user;
//  2. otherwise the role document is consulted the same way;
//  3. if neither document resolves the path, the answer is false.
func Resolve(userDoc, roleDoc *PermissionNode, path string) bool {
	if userDoc.Wildcard() {
		return true
	}
	if v, ok := userDoc.Lookup(path); ok {
		return v
	}
	if roleDoc.Wildcard() {
		return true
	}
	if v, ok := roleDoc.Lookup(path); ok {
		return v
	}
	return false
}

// Combined overlays the user document onto the role document at the
// top level only. The result is a display convenience for clients;
// it is never used to authorize, because a shallow overlay at the
// wrong depth could hide or leak nested grants.
func Combined(userDoc, roleDoc *PermissionNode) *PermissionNode {
	merged := map[string]*PermissionNode{}
	if roleDoc != nil && !roleDoc.leaf {
		for k, v := range roleDoc.branch {
			merged[k] = v
		}
	}
	if userDoc != nil && !userDoc.leaf {
		for k, v := range userDoc.branch {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return nil
	}
	return Branch(merged)
}
