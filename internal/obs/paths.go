package obs

import "strings"

// CanonicalPath collapses resource identifiers so metric labels stay
// low-cardinality. Query strings are stripped.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}

	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && isCollection(parts[1]):
		return "/v1/" + parts[1] + "/:id"
	case len(parts) == 4 && parts[0] == "v1" && isCollection(parts[1]) && isAction(parts[3]):
		return "/v1/" + parts[1] + "/:id/" + parts[3]
	}
	return path
}

func isCollection(s string) bool {
	switch s {
	case "consents", "distributions", "revocations", "audit":
		return true
	}
	return false
}

func isAction(s string) bool {
	switch s {
	case "decide", "withdraw", "pause", "resume", "resolve":
		return true
	}
	return false
}
