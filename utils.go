package httpcache

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// splitAndTrim splits s on sep, trims surrounding whitespace from each
// piece and drops empty results. Used for Vary field lists and
// If-None-Match ETag lists.
func splitAndTrim(s string, sep string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, sep)
	out := make([]string, 0, len(raw))
	for _, piece := range raw {
		piece = strings.TrimSpace(piece)
		if piece != "" {
			out = append(out, piece)
		}
	}
	return out
}

func sortStrings(s []string) {
	sort.Strings(s)
}

// cacheControlDirective is one comma-separated element of a Cache-Control
// header, split into its token and optional argument.
type cacheControlDirective struct {
	Name string
	Arg  string
}

// splitCacheControl splits every Cache-Control header value into its
// directives, lower-casing the directive name before matching.
func splitCacheControl(values []string) []cacheControlDirective {
	var out []cacheControlDirective
	for _, value := range values {
		for _, raw := range strings.Split(value, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			name, arg, _ := strings.Cut(raw, "=")
			name = strings.ToLower(strings.TrimSpace(name))
			arg = strings.Trim(strings.TrimSpace(arg), `"`)
			out = append(out, cacheControlDirective{Name: name, Arg: arg})
		}
	}
	return out
}

func hasDirective(directives []cacheControlDirective, name string) bool {
	for _, d := range directives {
		if d.Name == name {
			return true
		}
	}
	return false
}

func directiveArg(directives []cacheControlDirective, name string) (string, bool) {
	for _, d := range directives {
		if d.Name == name {
			return d.Arg, true
		}
	}
	return "", false
}

func directiveSeconds(directives []cacheControlDirective, name string) (int64, bool) {
	arg, ok := directiveArg(directives, name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// stripCacheControlZeroMaxAge removes a literal "max-age=0" directive from
// h's Cache-Control header, leaving every other directive untouched. Used
// when building an unconditional retry so the directive that forced
// revalidation isn't also forwarded upstream.
func stripCacheControlZeroMaxAge(h http.Header) {
	values := h["Cache-Control"]
	if len(values) == 0 {
		return
	}
	directives := splitCacheControl(values)
	kept := directives[:0]
	changed := false
	for _, d := range directives {
		if d.Name == "max-age" && d.Arg == "0" {
			changed = true
			continue
		}
		kept = append(kept, d)
	}
	if !changed {
		return
	}
	if len(kept) == 0 {
		h.Del("Cache-Control")
		return
	}
	parts := make([]string, 0, len(kept))
	for _, d := range kept {
		if d.Arg == "" {
			parts = append(parts, d.Name)
		} else {
			parts = append(parts, d.Name+"="+d.Arg)
		}
	}
	h.Set("Cache-Control", strings.Join(parts, ", "))
}
