package mapping

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	IDSourceFile        = "sourceFile"
	IDSynthesized       = "com.android.tools.r8.synthesized"
	IDOutline           = "com.android.tools.r8.outline"
	IDOutlineCallsite   = "com.android.tools.r8.outlineCallsite"
	IDResidualSignature = "com.android.tools.r8.residualsignature"
	IDRewriteFrame      = "com.android.tools.r8.rewriteFrame"
	IDMapVersion        = "com.android.tools.r8.mapping"
)

// Information is metadata attached to a class, a member or a single mapped
// range. The set of variants is closed; records with an unrecognized id are
// kept as Unknown.
type Information interface {
	ID() string
	information()
}

type SourceFile struct {
	FileName string
}

// Synthesized marks a class introduced by the compiler.
type Synthesized struct{}

// CompilerSynthesized marks a member or a range introduced by the compiler.
type CompilerSynthesized struct{}

// Outline marks an outlined method or class.
type Outline struct{}

// OutlineCallsite maps positions inside an outline body to positions at
// the call site that invoked it.
type OutlineCallsite struct {
	Positions map[int]int
	// OutlineSignature is the residual method reference of the outline,
	// e.g. "La;a()I". May be empty.
	OutlineSignature string
}

type ResidualSignature struct {
	Signature string
}

// RewriteFrame drops inner frames of a range when a condition on the
// thrown exception holds.
type RewriteFrame struct {
	Conditions []string
	Actions    []string
}

type MapVersion struct {
	Version string
}

// Unknown preserves a record whose id is not recognized.
type Unknown struct {
	Identifier string
	Raw        string
}

func (SourceFile) ID() string          { return IDSourceFile }
func (Synthesized) ID() string         { return IDSynthesized }
func (CompilerSynthesized) ID() string { return IDSynthesized }
func (Outline) ID() string             { return IDOutline }
func (OutlineCallsite) ID() string     { return IDOutlineCallsite }
func (ResidualSignature) ID() string   { return IDResidualSignature }
func (RewriteFrame) ID() string        { return IDRewriteFrame }
func (MapVersion) ID() string          { return IDMapVersion }
func (u Unknown) ID() string           { return u.Identifier }

func (SourceFile) information()          {}
func (Synthesized) information()         {}
func (CompilerSynthesized) information() {}
func (Outline) information()             {}
func (OutlineCallsite) information()     {}
func (ResidualSignature) information()   {}
func (RewriteFrame) information()        {}
func (MapVersion) information()          {}
func (Unknown) information()             {}

// Lookup returns the outline-callsite position for an outline position.
func (o OutlineCallsite) Lookup(position int) (int, bool) {
	p, ok := o.Positions[position]
	return p, ok
}

var rewriteActionPrefix = "removeInnerFrames("

// RemovedInnerFrames returns how many inner frames the actions remove.
func (r RewriteFrame) RemovedInnerFrames() int {
	n := 0
	for _, a := range r.Actions {
		if !strings.HasPrefix(a, rewriteActionPrefix) || !strings.HasSuffix(a, ")") {
			continue
		}
		v, err := strconv.Atoi(a[len(rewriteActionPrefix) : len(a)-1])
		if err == nil && v > 0 {
			n += v
		}
	}
	return n
}

// ThrownDescriptors returns the exception descriptors of throws(...)
// conditions.
func (r RewriteFrame) ThrownDescriptors() []string {
	var out []string
	for _, c := range r.Conditions {
		if strings.HasPrefix(c, "throws(") && strings.HasSuffix(c, ")") {
			out = append(out, c[len("throws("):len(c)-1])
		}
	}
	return out
}

// scope is the kind of entity a record is attached to.
type scope int

const (
	scopeGlobal scope = iota
	scopeClass
	scopeMember
)

type rawInformation struct {
	ID         string         `json:"id"`
	FileName   *string        `json:"fileName"`
	Positions  map[string]int `json:"positions"`
	Outline    string         `json:"outline"`
	Signature  *string        `json:"signature"`
	Conditions []string       `json:"conditions"`
	Actions    []string       `json:"actions"`
	Version    *string        `json:"version"`
}

// ParseInformation decodes the JSON payload of a '#' comment line.
func ParseInformation(payload string) (Information, error) {
	return parseInformation(payload, scopeMember)
}

func parseInformation(payload string, s scope) (Information, error) {
	var raw rawInformation
	if err := json.UnmarshalFromString(payload, &raw); err != nil {
		return nil, errors.Wrap(err, "invalid mapping information")
	}
	switch raw.ID {
	case "":
		return nil, errors.New("mapping information without id")
	case IDSourceFile:
		if raw.FileName == nil {
			return nil, errors.Errorf("%s requires fileName", IDSourceFile)
		}
		return SourceFile{FileName: *raw.FileName}, nil
	case IDSynthesized:
		if s == scopeClass {
			return Synthesized{}, nil
		}
		return CompilerSynthesized{}, nil
	case IDOutline:
		return Outline{}, nil
	case IDOutlineCallsite:
		positions := make(map[int]int, len(raw.Positions))
		for k, v := range raw.Positions {
			p, err := strconv.Atoi(k)
			if err != nil {
				return nil, errors.Errorf("invalid outline position %q", k)
			}
			positions[p] = v
		}
		return OutlineCallsite{Positions: positions, OutlineSignature: raw.Outline}, nil
	case IDResidualSignature:
		if raw.Signature == nil {
			return nil, errors.Errorf("%s requires signature", IDResidualSignature)
		}
		return ResidualSignature{Signature: *raw.Signature}, nil
	case IDRewriteFrame:
		return RewriteFrame{Conditions: raw.Conditions, Actions: raw.Actions}, nil
	case IDMapVersion:
		if raw.Version == nil {
			return nil, errors.Errorf("%s requires version", IDMapVersion)
		}
		return MapVersion{Version: *raw.Version}, nil
	default:
		return Unknown{Identifier: raw.ID, Raw: payload}, nil
	}
}

// FormatInformation encodes a record as the JSON payload of a '#' line.
func FormatInformation(info Information) (string, error) {
	var v any
	switch info := info.(type) {
	case SourceFile:
		v = struct {
			ID       string `json:"id"`
			FileName string `json:"fileName"`
		}{info.ID(), info.FileName}
	case Synthesized, CompilerSynthesized, Outline:
		v = struct {
			ID string `json:"id"`
		}{info.ID()}
	case OutlineCallsite:
		v = struct {
			ID        string         `json:"id"`
			Positions orderedIntKeys `json:"positions"`
			Outline   string         `json:"outline,omitempty"`
		}{info.ID(), orderedIntKeys(info.Positions), info.OutlineSignature}
	case ResidualSignature:
		v = struct {
			ID        string `json:"id"`
			Signature string `json:"signature"`
		}{info.ID(), info.Signature}
	case RewriteFrame:
		v = struct {
			ID         string   `json:"id"`
			Conditions []string `json:"conditions"`
			Actions    []string `json:"actions"`
		}{info.ID(), info.Conditions, info.Actions}
	case MapVersion:
		v = struct {
			ID      string `json:"id"`
			Version string `json:"version"`
		}{info.ID(), info.Version}
	case Unknown:
		return info.Raw, nil
	default:
		return "", fmt.Errorf("unsupported mapping information %T", info)
	}
	return json.MarshalToString(v)
}

// orderedIntKeys marshals positions with numerically sorted keys.
type orderedIntKeys map[int]int

func (o orderedIntKeys) MarshalJSON() ([]byte, error) {
	keys := make([]int, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(`"` + strconv.Itoa(k) + `":` + strconv.Itoa(o[k]))
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func findInformation[T Information](infos []Information) (T, bool) {
	for _, info := range infos {
		if v, ok := info.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func hasInformation[T Information](infos []Information) bool {
	_, ok := findInformation[T](infos)
	return ok
}

// Find returns the first record of type T.
func Find[T Information](infos []Information) (T, bool) {
	return findInformation[T](infos)
}
