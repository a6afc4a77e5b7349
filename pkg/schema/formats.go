// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

// formats are the string formats skill schemas may use on top of the ones
// the compiler knows. Without them an unknown format is ignored and any
// string passes.
var formats = map[string]func(any) bool{
	"id":  isID,
	"url": isURL,
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

// isID accepts opaque identifiers: letters, digits and _ . : - only.
func isID(v any) bool {
	s, ok := v.(string)
	if !ok {
		return true
	}
	return idPattern.MatchString(s)
}

// isURL accepts absolute http and https URLs with a host.
func isURL(v any) bool {
	s, ok := v.(string)
	if !ok {
		return true
	}
	if s == "" || strings.IndexFunc(s, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
