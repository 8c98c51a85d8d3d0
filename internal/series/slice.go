package series

import (
	"fmt"
	"sort"
	"strings"
)

// Mode is the provider aggregation mode. A point-in-time trailing window and
// a cohort aggregation answer different questions even for identical inputs,
// so modes are distinct identities everywhere.
type Mode string

const (
	ModeWindow Mode = "window"
	ModeCohort Mode = "cohort"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeWindow, ModeCohort:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown mode %q (want %q or %q)", s, ModeWindow, ModeCohort)
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeWindow || m == ModeCohort
}

// Reserved dimension names. "mode" and "dims" appear in the canonical
// encodings of SliceKey and Family; a dimension by either name would make
// the encodings ambiguous.
var reservedDimNames = map[string]bool{
	"mode": true,
	"dims": true,
}

// SliceKey is the stable partition coordinates of one time series: the
// aggregation mode plus the context dimensions with their values. Volatile
// window arguments are never part of a SliceKey; the requested date range
// travels separately as a Window.
//
// SliceKey is a tagged structure. Parse once at the boundary, carry the
// value; nothing downstream re-parses strings.
type SliceKey struct {
	Mode Mode
	Dims map[string]string
}

// NewSliceKey validates and returns a SliceKey. Dims may be nil for an
// uncontexted slice.
func NewSliceKey(mode Mode, dims map[string]string) (SliceKey, error) {
	k := SliceKey{Mode: mode, Dims: dims}
	if err := k.Validate(); err != nil {
		return SliceKey{}, err
	}
	return k, nil
}

// MustSliceKey is like NewSliceKey but panics on error. Use only in tests or
// with literal inputs.
func MustSliceKey(mode Mode, dims map[string]string) SliceKey {
	k, err := NewSliceKey(mode, dims)
	if err != nil {
		panic(err)
	}
	return k
}

// Validate checks the mode and every dimension name and value. Names and
// values must be non-empty and free of the encoding metacharacters ';', '=',
// and ','; names must not shadow reserved encoding fields.
func (k SliceKey) Validate() error {
	if !k.Mode.Valid() {
		return fmt.Errorf("slice has unknown mode %q", k.Mode)
	}
	for name, value := range k.Dims {
		if name == "" {
			return fmt.Errorf("slice has empty dimension name")
		}
		if value == "" {
			return fmt.Errorf("slice dimension %q has empty value", name)
		}
		if reservedDimNames[name] {
			return fmt.Errorf("slice dimension name %q is reserved", name)
		}
		if strings.ContainsAny(name, ";=,") {
			return fmt.Errorf("slice dimension name %q contains a metacharacter", name)
		}
		if strings.ContainsAny(value, ";=,") {
			return fmt.Errorf("slice dimension %q value %q contains a metacharacter", name, value)
		}
	}
	return nil
}

// DimNames returns the dimension names in bytewise order.
func (k SliceKey) DimNames() []string {
	names := make([]string, 0, len(k.Dims))
	for name := range k.Dims {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String returns the canonical encoding: "mode=<mode>" followed by
// ";name=value" pairs with names in bytewise order. The encoding is a total
// order over slices and is what the store persists.
func (k SliceKey) String() string {
	var b strings.Builder
	b.WriteString("mode=")
	b.WriteString(string(k.Mode))
	for _, name := range k.DimNames() {
		b.WriteByte(';')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(k.Dims[name])
	}
	return b.String()
}

// ParseSliceKey decodes a canonical slice encoding. It is strict: the mode
// field must come first and every later field must be a dimension pair.
func ParseSliceKey(s string) (SliceKey, error) {
	if s == "" {
		return SliceKey{}, fmt.Errorf("empty slice key")
	}
	parts := strings.Split(s, ";")
	modeField, found := strings.CutPrefix(parts[0], "mode=")
	if !found {
		return SliceKey{}, fmt.Errorf("slice key %q does not start with mode=", s)
	}
	mode, err := ParseMode(modeField)
	if err != nil {
		return SliceKey{}, fmt.Errorf("slice key %q: %w", s, err)
	}

	var dims map[string]string
	for _, part := range parts[1:] {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return SliceKey{}, fmt.Errorf("slice key %q: field %q is not name=value", s, part)
		}
		if dims == nil {
			dims = make(map[string]string)
		}
		if _, dup := dims[name]; dup {
			return SliceKey{}, fmt.Errorf("slice key %q: duplicate dimension %q", s, name)
		}
		dims[name] = value
	}

	return NewSliceKey(mode, dims)
}

// Family returns the slice family: mode plus dimension names, values
// dropped. Slices of one family are fetched together and share a batch
// timestamp.
func (k SliceKey) Family() Family {
	return Family{mode: k.Mode, dims: strings.Join(k.DimNames(), ",")}
}

// Equal reports structural equality.
func (k SliceKey) Equal(other SliceKey) bool {
	if k.Mode != other.Mode || len(k.Dims) != len(other.Dims) {
		return false
	}
	for name, value := range k.Dims {
		if other.Dims[name] != value {
			return false
		}
	}
	return true
}

// Clone returns a deep copy. Snapshot rows hold SliceKeys; callers that
// mutate Dims must not alias stored rows.
func (k SliceKey) Clone() SliceKey {
	if k.Dims == nil {
		return SliceKey{Mode: k.Mode}
	}
	dims := make(map[string]string, len(k.Dims))
	for name, value := range k.Dims {
		dims[name] = value
	}
	return SliceKey{Mode: k.Mode, Dims: dims}
}

// Family identifies a set of sibling slices: the aggregation mode plus the
// dimension NAMES, with values and window arguments dropped. It is
// comparable and used as a map key in batch stamping.
type Family struct {
	mode Mode
	dims string // comma-joined sorted dimension names, "" when uncontexted
}

// NewFamily builds a Family from a mode and dimension names.
func NewFamily(mode Mode, names ...string) (Family, error) {
	if !mode.Valid() {
		return Family{}, fmt.Errorf("unknown mode %q", mode)
	}
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)
	for i, name := range sorted {
		if name == "" {
			return Family{}, fmt.Errorf("empty dimension name")
		}
		if reservedDimNames[name] {
			return Family{}, fmt.Errorf("dimension name %q is reserved", name)
		}
		if strings.ContainsAny(name, ";=,") {
			return Family{}, fmt.Errorf("dimension name %q contains a metacharacter", name)
		}
		if i > 0 && sorted[i-1] == name {
			return Family{}, fmt.Errorf("duplicate dimension name %q", name)
		}
	}
	return Family{mode: mode, dims: strings.Join(sorted, ",")}, nil
}

// Mode returns the family's aggregation mode.
func (f Family) Mode() Mode {
	return f.mode
}

// DimNames returns the dimension names in bytewise order.
func (f Family) DimNames() []string {
	if f.dims == "" {
		return nil
	}
	return strings.Split(f.dims, ",")
}

// String returns "mode=<mode>" for uncontexted families, otherwise
// "mode=<mode>;dims=a,b".
func (f Family) String() string {
	if f.dims == "" {
		return "mode=" + string(f.mode)
	}
	return "mode=" + string(f.mode) + ";dims=" + f.dims
}

// Identity is the batch-atomicity key for retrieval: subject, signature
// hash, and slice family. Everything written for one identity during one run
// shares a single retrieved_at. Window arguments are deliberately absent.
type Identity struct {
	Subject string
	Hash    string
	Family  Family
}

// String is a compact log form; the hash is truncated for readability.
func (id Identity) String() string {
	hash := id.Hash
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return fmt.Sprintf("%s/%s/%s", id.Subject, hash, id.Family)
}
