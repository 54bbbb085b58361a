package hub

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/latticeweb/lattice/pkg/ordmap"
)

// Node type tags. Storage nodes carry directory or file-* tags, parsed
// content carries data-* tags, and callables carry code.
const (
	TagDirectory  = "directory"
	TagFileHash   = "file-hash"
	TagFileJSON   = "file-json"
	TagFileText   = "file-text"
	TagFileBinary = "file-binary"
	TagFileCode   = "file-code"
	TagDataHash   = "data-hash"
	TagDataArray  = "data-array"
	TagDataScalar = "data-scalar"
	TagCode       = "code"

	mountSuffix = "-mount"
)

// CodeFunc is a callable node. Registered code and compiled code files both
// resolve to this shape.
type CodeFunc func(ctx context.Context, params *ordmap.Map) (interface{}, error)

// Storage is a node backed by the filesystem.
type Storage interface {
	Addr() string
	Path() string
	Mtime() time.Time
	Save() error
}

// Node is one resolved address: its canonical address, the value found
// there, and the storage it came from (nil for volatile nodes).
type Node struct {
	addr  string
	value interface{}
	store Storage
}

func newNode(addr string, value interface{}, store Storage) *Node {
	return &Node{addr: addr, value: value, store: store}
}

// Addr returns the node's canonical address.
func (n *Node) Addr() string { return n.addr }

// Value returns the resolved value: *Directory, *File, *ordmap.Map,
// *ordmap.List, CodeFunc or a scalar.
func (n *Node) Value() interface{} { return n.value }

// Storage returns the backing storage, or nil for volatile nodes.
func (n *Node) Storage() Storage { return n.store }

func tagOf(v interface{}) string {
	switch t := v.(type) {
	case *Directory:
		return TagDirectory
	case *File:
		return t.Tag()
	case *ordmap.Map:
		return TagDataHash
	case *ordmap.List:
		return TagDataArray
	case CodeFunc:
		return TagCode
	default:
		return TagDataScalar
	}
}

// Tag returns the node's type tag.
func (n *Node) Tag() string { return tagOf(n.value) }

// Typeof returns the node's type tag, with a -mount suffix when the node
// sits exactly at one of the hub's mount points.
func (h *Hub) Typeof(n *Node) string {
	tag := n.Tag()
	if (tag == TagDirectory || tag == TagDataHash) && h.IsMountPoint(n.addr) {
		return tag + mountSuffix
	}
	return tag
}

// IsContainer reports whether the node can hold children.
func (n *Node) IsContainer() bool {
	switch t := n.value.(type) {
	case *Directory, *ordmap.Map, *ordmap.List:
		return true
	case *File:
		return t.Tag() == TagFileHash || t.Tag() == TagFileJSON
	default:
		return false
	}
}

// container unwraps the node's value to a traversable container, parsing
// file content when needed.
func (n *Node) container() (interface{}, error) {
	v := n.value
	if f, ok := v.(*File); ok {
		data, err := f.Data()
		if err != nil {
			return nil, err
		}
		v = data
	}
	switch v.(type) {
	case *Directory, *ordmap.Map, *ordmap.List:
		return v, nil
	}
	return nil, nil
}

// Len returns the number of children, or 0 for leaves.
func (n *Node) Len() int {
	c, err := n.container()
	if err != nil || c == nil {
		return 0
	}
	switch t := c.(type) {
	case *Directory:
		names, err := t.Entries()
		if err != nil {
			return 0
		}
		return len(names)
	case *ordmap.Map:
		return t.Len()
	case *ordmap.List:
		return t.Len()
	}
	return 0
}

// Keys returns the child keys in order. Sequences yield their indexes as
// decimal strings.
func (n *Node) Keys() []string {
	c, err := n.container()
	if err != nil || c == nil {
		return nil
	}
	switch t := c.(type) {
	case *Directory:
		names, err := t.Entries()
		if err != nil {
			return nil
		}
		return names
	case *ordmap.Map:
		return t.Keys()
	case *ordmap.List:
		keys := make([]string, t.Len())
		for i := range keys {
			keys[i] = strconv.Itoa(i)
		}
		return keys
	}
	return nil
}

// Mtime returns the node's modification time: its own for storage nodes,
// the backing storage's for data nodes, zero for volatile nodes.
func (n *Node) Mtime() time.Time {
	switch t := n.value.(type) {
	case *Directory:
		return t.Mtime()
	case *File:
		return t.Mtime()
	}
	if n.store != nil {
		return n.store.Mtime()
	}
	return time.Time{}
}

// Size returns the byte size for file nodes and textual scalars, 0
// otherwise.
func (n *Node) Size() int64 {
	switch t := n.value.(type) {
	case *File:
		return t.Size()
	case string:
		return int64(len(t))
	case []byte:
		return int64(len(t))
	}
	return 0
}

// ScalarText renders a scalar value as text. The second return is false for
// containers and callables.
func ScalarText(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", true
	case string:
		return t, true
	case []byte:
		return string(t), true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	}
	return "", false
}
