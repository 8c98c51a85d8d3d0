package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

// Partition definitions are authored in CUE. The expected shape:
//
//	definitions: channel: {
//		dimension: "channel"
//		versions: [{
//			version:   1
//			effective: "2024-01-10T00:00:00Z"
//			values: ["x", "y"]
//			catchAll: {required: false, bucket: "other"}
//		}]
//	}
//
// Each entry under "definitions" becomes one definition id with its full
// version history.

// LoadError is a definition-loading failure with a CUE source position when
// one is available.
type LoadError struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Path, e.Message)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// LoadDir compiles every .cue file in dir into a StaticArchive.
func LoadDir(dir string) (*StaticArchive, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &LoadError{Message: fmt.Sprintf("definitions directory: %v", err)}
	}
	if !info.IsDir() {
		return nil, &LoadError{Message: fmt.Sprintf("not a directory: %s", dir)}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &LoadError{Message: fmt.Sprintf("scan %s: %v", dir, err)}
	}
	hasCUE := false
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".cue" {
			hasCUE = true
			break
		}
	}
	if !hasCUE {
		return nil, &LoadError{Message: fmt.Sprintf("no CUE files in %s", dir)}
	}

	cuectx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &LoadError{Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, wrapCUEError("load", inst.Err)
	}

	value := cuectx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, wrapCUEError("build", err)
	}

	return parseArchive(value)
}

// parseArchive walks the definitions struct of a compiled CUE value.
func parseArchive(value cue.Value) (*StaticArchive, error) {
	defsVal := value.LookupPath(cue.ParsePath("definitions"))
	if !defsVal.Exists() {
		return nil, &LoadError{
			Path:    "definitions",
			Message: "top-level definitions struct is required",
			Pos:     value.Pos(),
		}
	}

	iter, err := defsVal.Fields()
	if err != nil {
		return nil, wrapCUEError("definitions", err)
	}

	var all []Definition
	for iter.Next() {
		id := iter.Selector().Unquoted()
		versions, err := parseDefinition(id, iter.Value())
		if err != nil {
			return nil, err
		}
		all = append(all, versions...)
	}
	if len(all) == 0 {
		return nil, &LoadError{
			Path:    "definitions",
			Message: "no definitions declared",
			Pos:     defsVal.Pos(),
		}
	}

	archive, err := NewStaticArchive(all)
	if err != nil {
		return nil, &LoadError{Path: "definitions", Message: err.Error(), Pos: defsVal.Pos()}
	}
	return archive, nil
}

// parseDefinition reads one id's dimension and version list.
func parseDefinition(id string, v cue.Value) ([]Definition, error) {
	path := "definitions." + id

	dimVal := v.LookupPath(cue.ParsePath("dimension"))
	if !dimVal.Exists() {
		return nil, &LoadError{Path: path, Message: "dimension is required", Pos: v.Pos()}
	}
	dimension, err := dimVal.String()
	if err != nil {
		return nil, wrapCUEError(path+".dimension", err)
	}

	versionsVal := v.LookupPath(cue.ParsePath("versions"))
	if !versionsVal.Exists() {
		return nil, &LoadError{Path: path, Message: "versions list is required", Pos: v.Pos()}
	}
	listIter, err := versionsVal.List()
	if err != nil {
		return nil, wrapCUEError(path+".versions", err)
	}

	var defs []Definition
	for i := 0; listIter.Next(); i++ {
		def, err := parseVersion(fmt.Sprintf("%s.versions[%d]", path, i), id, dimension, listIter.Value())
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, &LoadError{Path: path, Message: "versions list is empty", Pos: versionsVal.Pos()}
	}
	return defs, nil
}

// parseVersion reads one version entry.
func parseVersion(path, id, dimension string, v cue.Value) (Definition, error) {
	def := Definition{ID: id, Dimension: dimension}

	versionVal := v.LookupPath(cue.ParsePath("version"))
	if !versionVal.Exists() {
		return Definition{}, &LoadError{Path: path, Message: "version is required", Pos: v.Pos()}
	}
	version, err := versionVal.Int64()
	if err != nil {
		return Definition{}, wrapCUEError(path+".version", err)
	}
	def.Version = int(version)

	effectiveVal := v.LookupPath(cue.ParsePath("effective"))
	if !effectiveVal.Exists() {
		return Definition{}, &LoadError{Path: path, Message: "effective timestamp is required", Pos: v.Pos()}
	}
	effective, err := effectiveVal.String()
	if err != nil {
		return Definition{}, wrapCUEError(path+".effective", err)
	}
	def.EffectiveAt, err = time.Parse(time.RFC3339, effective)
	if err != nil {
		return Definition{}, &LoadError{
			Path:    path + ".effective",
			Message: fmt.Sprintf("not an RFC 3339 timestamp: %q", effective),
			Pos:     effectiveVal.Pos(),
		}
	}

	valuesVal := v.LookupPath(cue.ParsePath("values"))
	if !valuesVal.Exists() {
		return Definition{}, &LoadError{Path: path, Message: "values list is required", Pos: v.Pos()}
	}
	valuesIter, err := valuesVal.List()
	if err != nil {
		return Definition{}, wrapCUEError(path+".values", err)
	}
	for valuesIter.Next() {
		value, err := valuesIter.Value().String()
		if err != nil {
			return Definition{}, wrapCUEError(path+".values", err)
		}
		def.Values = append(def.Values, value)
	}

	catchAllVal := v.LookupPath(cue.ParsePath("catchAll"))
	if catchAllVal.Exists() {
		requiredVal := catchAllVal.LookupPath(cue.ParsePath("required"))
		if requiredVal.Exists() {
			required, err := requiredVal.Bool()
			if err != nil {
				return Definition{}, wrapCUEError(path+".catchAll.required", err)
			}
			def.CatchAll.Required = required
		}
		bucketVal := catchAllVal.LookupPath(cue.ParsePath("bucket"))
		if bucketVal.Exists() {
			bucket, err := bucketVal.String()
			if err != nil {
				return Definition{}, wrapCUEError(path+".catchAll.bucket", err)
			}
			def.CatchAll.Bucket = bucket
		}
	}

	if err := def.Validate(); err != nil {
		return Definition{}, &LoadError{Path: path, Message: err.Error(), Pos: v.Pos()}
	}
	return def, nil
}

// wrapCUEError attaches the first CUE error position to a LoadError.
func wrapCUEError(path string, err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) > 0 {
		first := errs[0]
		msg := first.Error()
		// CUE prefixes messages with positions already in some paths; keep
		// ours single-sourced.
		msg = strings.TrimSpace(msg)
		positions := cueerrors.Positions(first)
		if len(positions) > 0 {
			return &LoadError{Path: path, Message: msg, Pos: positions[0]}
		}
		return &LoadError{Path: path, Message: msg}
	}
	return &LoadError{Path: path, Message: err.Error()}
}
