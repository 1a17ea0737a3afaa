// Package nametrans implements the folder-name translation pipeline of
// spec.md §4.8: dequoting, modified UTF-7 decoding, user-supplied renaming,
// and the reverse direction for names sent back to the server.
package nametrans

import "strings"

// Translator renames a decoded, UTF-8 folder name. The identity function is
// the default (spec.md §4.8 step 3).
type Translator func(name string) string

// Identity is the default Translator: no renaming.
func Identity(name string) string { return name }

// Dequote strips surrounding double quotes and unescapes \" and \\, per
// spec.md §4.8 step 1. Strings that aren't quoted are returned unchanged.
func Dequote(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	inner := s[1 : len(s)-1]
	inner = strings.ReplaceAll(inner, `\"`, `"`)
	inner = strings.ReplaceAll(inner, `\\`, `\`)
	return inner
}

// Quote wraps s in double quotes, escaping \" and \\, per the outgoing
// direction of spec.md §4.8.
func Quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// needsQuoting matches the characters spec.md §4.8 lists for the outgoing
// direction: space / ( ) { } "
func needsQuoting(s string) bool {
	return strings.ContainsAny(s, ` ()"{}`)
}

// Decode runs the full incoming pipeline on a server-side folder name:
// dequote, optional modified UTF-7 decode, user translation, and
// canonicalizing a bare separator to the empty (top-level) name.
func Decode(serverName string, utf8Mode bool, sep byte, translate Translator) string {
	name := Dequote(serverName)
	if utf8Mode {
		name = decodeModifiedUTF7(name)
	}
	if translate == nil {
		translate = Identity
	}
	name = translate(name)
	if sep != 0 && name == string(sep) {
		return ""
	}
	return name
}

// Encode runs the outgoing pipeline: UTF-8 -> modified UTF-7 (if utf8Mode),
// then quotes the result if it contains characters requiring quoting.
func Encode(visibleName string, utf8Mode bool) string {
	name := visibleName
	if utf8Mode {
		name = encodeModifiedUTF7(name)
	}
	if needsQuoting(name) {
		return Quote(name)
	}
	return name
}
