package routing

import "strings"

const indexDocument = "/index.html"

// NormalizeBasePath returns a mount prefix with a leading slash and no
// trailing slash. Empty and "/" both mean "mounted at the root" and return "".
func NormalizeBasePath(value string) string {
	path := stripQueryAndFragment(strings.TrimSpace(value))
	if path == "" || path == "/" {
		return ""
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	path = strings.TrimRight(path, "/")
	if path == "" {
		return ""
	}
	return path
}

// NormalizePath returns an absolute path without query, fragment or trailing
// slash. The empty path normalizes to "/".
func NormalizePath(value string) string {
	path := stripQueryAndFragment(strings.TrimSpace(value))
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			return "/"
		}
	}
	return path
}

// PathForTab returns the absolute path of tab under basePath.
func PathForTab(tab Tab, basePath string) string {
	base := NormalizeBasePath(basePath)
	path := tab.Path
	if path == "" {
		path = "/" + tab.ID
	}
	if base == "" {
		return path
	}
	return base + path
}

// stripBase returns the part of path below base. The second result reports
// whether base actually prefixed path; when it does not, path is returned
// unchanged.
func stripBase(path, base string) (string, bool) {
	if base == "" {
		return path, true
	}
	if path == base {
		return "/", true
	}
	if strings.HasPrefix(path, base+"/") {
		return path[len(base):], true
	}
	return path, false
}

func trimIndexDocument(path string) string {
	if strings.HasSuffix(strings.ToLower(path), indexDocument) {
		return NormalizePath(path[:len(path)-len(indexDocument)])
	}
	return path
}

func stripQueryAndFragment(value string) string {
	if i := strings.IndexAny(value, "?#"); i >= 0 {
		return value[:i]
	}
	return value
}

func splitSegments(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
