// Package cachekey serializes the identity of one cached-function invocation into a stable lookup
// key. The identity is a tuple of the deployment build ID, the function's stable ID, the ordered
// argument list (bound closure arguments prepended by the caller) and, in interactive development,
// a refresh hash that busts entries when source changes.
//
// The encoding is a flat sequence of (name, value) fields where every component is prefixed with
// its length in hex followed by a colon:
//
//	hex(len(name)) ":" name hex(len(value)) ":" value ...
//
// The embedded lengths make the scheme self-delimiting: no two distinct field sequences can flatten
// to the same string, regardless of what bytes the values contain. Argument values are stringified
// with canonical JSON (Go's encoding/json sorts map keys, so structurally equal arguments always
// stringify identically); binary values are packed losslessly into 16-bit code units instead, so
// the key stays a plain string without losing byte-level fidelity.

package cachekey

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nobletooth/stash/pkg/utils"
)

// Parts is the invocation identity tuple. Two invocations produce the same encoded key iff all
// parts are structurally equal.
type Parts struct {
	BuildID        string
	FunctionID     string
	Args           []any
	DevRefreshHash string // Empty outside interactive development.
}

// Attachment is a file-like binary argument. Attachments force the form-data-like encoding path.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Encode flattens the invocation identity into the lookup key.
func Encode(parts Parts) (string, error) {
	fields := make([]utils.Field, 0, len(parts.Args)+3)
	fields = append(fields,
		utils.Field{Key: "build", Value: parts.BuildID},
		utils.Field{Key: "id", Value: parts.FunctionID},
	)
	for i, arg := range parts.Args {
		field, err := encodeArg(i, arg)
		if err != nil {
			return "", fmt.Errorf("cache key argument %d: %w", i, err)
		}
		fields = append(fields, field)
	}
	if parts.DevRefreshHash != "" {
		fields = append(fields, utils.Field{Key: "dev", Value: parts.DevRefreshHash})
	}
	return flatten(fields), nil
}

// encodeArg stringifies one argument into its field. Binary arguments (raw byte slices and
// attachments) take the lossless code-unit path; attachment metadata folds into the field name,
// which the length prefixes keep unambiguous.
func encodeArg(index int, arg any) (utils.Field, error) {
	name := fmt.Sprintf("arg%d", index)
	switch v := arg.(type) {
	case []byte:
		return utils.Field{Key: name + ";bytes", Value: binaryCodeUnits(v)}, nil
	case Attachment:
		return utils.Field{
			Key:   fmt.Sprintf("%s;file;%s;%s", name, v.Name, v.ContentType),
			Value: binaryCodeUnits(v.Data),
		}, nil
	case *Attachment:
		if v == nil {
			return utils.Field{Key: name, Value: "null"}, nil
		}
		return encodeArg(index, *v)
	default:
		text, err := canonicalJSON(arg)
		if err != nil {
			return utils.Field{}, err
		}
		return utils.Field{Key: name, Value: text}, nil
	}
}

// flatten concatenates the fields with no delimiter other than the embedded hex lengths.
func flatten(fields []utils.Field) string {
	var b strings.Builder
	for _, field := range fields {
		fmt.Fprintf(&b, "%x:%s%x:%s", len(field.Key), field.Key, len(field.Value), field.Value)
	}
	return b.String()
}

// canonicalJSON stringifies a plain argument. encoding/json emits map keys in sorted order, which
// is the canonicalization this encoder relies on; unserializable values (channels, functions,
// cyclic structures, NaN) surface as errors instead of unstable keys.
func canonicalJSON(v any) (string, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// binaryCodeUnits packs bytes into 16-bit code units, two bytes per unit big-endian. A trailing odd
// byte is encoded as its own code unit (high byte zero). Go strings carry arbitrary bytes, so the
// packing is lossless; it exists so the pairing is fixed and independent of the payload's validity
// as text.
func binaryCodeUnits(data []byte) string {
	var b strings.Builder
	b.Grow(len(data) + 1)
	pairs := len(data) &^ 1
	b.Write(data[:pairs])
	if len(data)%2 == 1 {
		b.WriteByte(0)
		b.WriteByte(data[len(data)-1])
	}
	return b.String()
}
