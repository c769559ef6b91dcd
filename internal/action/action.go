// Package action defines the canonical identity of a build action: a pair
// of an operation kind and a component, addressed by the component's
// canonical path.
package action

import "fmt"

// OperationKind tags the kind of work an action performs, e.g. compiling a
// component or loading its result into the live image. Each kind carries
// two capability bits the scheduler consults when deciding how to run an
// action of that kind.
type OperationKind uint8

const (
	// Compile produces build output from a component without mutating any
	// live, in-process state. Safe to run in a forked worker.
	Compile OperationKind = iota
	// Load brings a previously compiled component into the coordinator's
	// live image. Must run in the coordinator.
	Load
)

func (k OperationKind) String() string {
	switch k {
	case Compile:
		return "compile"
	case Load:
		return "load"
	default:
		return fmt.Sprintf("OperationKind(%d)", uint8(k))
	}
}

// Capabilities describes the scheduling properties of an OperationKind.
type Capabilities struct {
	// NeededInImage is true when the operation's effects must persist in the
	// coordinator's own process (e.g. Load).
	NeededInImage bool
	// CanRunInBackground is true when the operation may safely execute in an
	// isolated forked worker.
	CanRunInBackground bool
}

// DefaultCapabilities returns the capability table for the two built-in
// operation kinds. A catalog (internal/catalog) may override NeededInImage
// per component; CanRunInBackground is fixed per kind.
func DefaultCapabilities(k OperationKind) Capabilities {
	switch k {
	case Compile:
		return Capabilities{NeededInImage: false, CanRunInBackground: true}
	case Load:
		return Capabilities{NeededInImage: true, CanRunInBackground: false}
	default:
		return Capabilities{}
	}
}

// Key is the value-typed, hashable identity of an action: an operation kind
// paired with a component's canonical path. Two actions with equal Keys
// denote the same action.
type Key struct {
	Kind OperationKind
	Path string
}

// NewKey returns the canonical key for (op, path). Path normalization is the
// caller's responsibility; the core only requires that equal components
// produce equal paths.
func NewKey(op OperationKind, path string) Key {
	return Key{Kind: op, Path: path}
}

func (k Key) String() string {
	return k.Kind.String() + " " + k.Path
}

// Reify returns the (kind-tag, path) pair used for log and breadcrumb
// emission, per the breadcrumb file format.
func Reify(k Key) (kindTag, path string) {
	return k.Kind.String(), k.Path
}

// FromReified is the inverse of Reify, used by the breadcrumb replay driver
// to reconstruct a Key from a recorded (kind-tag, path) pair.
func FromReified(kindTag, path string) (Key, error) {
	switch kindTag {
	case "compile":
		return NewKey(Compile, path), nil
	case "load":
		return NewKey(Load, path), nil
	default:
		return Key{}, fmt.Errorf("action: unknown kind tag %q", kindTag)
	}
}
