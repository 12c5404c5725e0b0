package tree

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/aretw0/tessera/pkg/core"
)

// RootPath is the path of every tree's root category.
const RootPath = "/"

// MaxNameLength bounds a node name in bytes.
const MaxNameLength = 255

// IsCategoryPath reports whether p addresses a category.
func IsCategoryPath(p string) bool {
	return strings.HasSuffix(p, "/")
}

// Split returns the parent category path and the name of p.
// The root has no parent and an empty name.
func Split(p string) (parent, name string) {
	if p == RootPath || p == "" {
		return "", ""
	}
	trimmed := strings.TrimSuffix(p, "/")
	i := strings.LastIndex(trimmed, "/")
	return trimmed[:i+1], trimmed[i+1:]
}

// CategoryPath joins a parent category path and a category name.
func CategoryPath(parent, name string) string {
	return parent + name + "/"
}

// ItemPath joins a category path and an item name.
func ItemPath(category, name string) string {
	return category + name
}

// Depth returns the number of segments in p; the root has depth 0.
func Depth(p string) int {
	return strings.Count(strings.TrimSuffix(p, "/"), "/")
}

// IsWithin reports whether p is category c or lies below it.
func IsWithin(p, c string) bool {
	return IsCategoryPath(c) && strings.HasPrefix(p, c)
}

// Rebase replaces the prefix from of p with to.
func Rebase(p, from, to string) string {
	return to + strings.TrimPrefix(p, from)
}

// ValidateName checks a node name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty name: %w", core.ErrInvalidName)
	case len(name) > MaxNameLength:
		return fmt.Errorf("name longer than %d bytes: %w", MaxNameLength, core.ErrInvalidName)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("name %q starts with a dot: %w", name, core.ErrInvalidName)
	case strings.ContainsAny(name, `/\:*?"<>|`):
		return fmt.Errorf("name %q has a reserved character: %w", name, core.ErrInvalidName)
	case strings.TrimSpace(name) != name:
		return fmt.Errorf("name %q has surrounding spaces: %w", name, core.ErrInvalidName)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("name %q has a control character: %w", name, core.ErrInvalidName)
		}
	}
	return nil
}

// ValidatePath checks that p is absolute and every segment is a legal name.
func ValidatePath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("path %q is not absolute: %w", p, core.ErrInvalidName)
	}
	if p == RootPath {
		return nil
	}
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if err := ValidateName(seg); err != nil {
			return fmt.Errorf("path %q: %w", p, err)
		}
	}
	return nil
}
