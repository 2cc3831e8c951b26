package boxfs

import (
	"path"
	"strings"
)

// cleanPath returns the canonical absolute form of p: rooted at "/", no
// trailing slash, no "." or ".." segments.
func cleanPath(p string) string {
	return path.Clean("/" + p)
}

// splitPath returns the parent folder path and the final segment.
// The root has no parent; splitPath("/") returns ("", "").
func splitPath(p string) (dir, name string) {
	if p == "/" {
		return "", ""
	}
	i := strings.LastIndexByte(p, '/')
	dir = p[:i]
	if dir == "" {
		dir = "/"
	}
	return dir, p[i+1:]
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// isWithin reports whether p is strictly below dir.
func isWithin(p, dir string) bool {
	if dir == "/" {
		return p != "/"
	}
	return strings.HasPrefix(p, dir+"/")
}

// rebase rewrites p, which lies at or below from, to the same place below to.
func rebase(p, from, to string) string {
	if p == from {
		return to
	}
	rest := strings.TrimPrefix(p, from)
	if from == "/" {
		rest = p
	}
	if to == "/" {
		return rest
	}
	return to + rest
}

func isAppleDouble(name string) bool {
	return strings.HasPrefix(name, "._")
}
