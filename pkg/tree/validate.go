package tree

import (
	"fmt"

	"github.com/aretw0/tessera/pkg/core"
)

// The Validate functions check the structural legality of an operation
// against the current tree. They never mutate and never panic; permission and
// lock checks belong to the caller.

// ValidateAddCategory checks creating category name under parentPath.
func (t *Tree[T]) ValidateAddCategory(parentPath, name string) error {
	parent, ok := t.categories[parentPath]
	if !ok {
		return fmt.Errorf("category %s: %w", parentPath, core.ErrNotFound)
	}
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, taken := parent.categories[name]; taken {
		return fmt.Errorf("category %s: %w", CategoryPath(parentPath, name), core.ErrAlreadyExists)
	}
	return nil
}

// ValidateAddItem checks creating item name under categoryPath.
func (t *Tree[T]) ValidateAddItem(categoryPath, name string) error {
	if _, ok := t.categories[categoryPath]; !ok {
		return fmt.Errorf("category %s: %w", categoryPath, core.ErrNotFound)
	}
	if err := ValidateName(name); err != nil {
		return err
	}
	if existing, taken := t.names[name]; taken {
		return fmt.Errorf("item %s exists at %s: %w", name, existing.Path(), core.ErrAlreadyExists)
	}
	return nil
}

// ValidateRename checks renaming the node at path to newName.
func (t *Tree[T]) ValidateRename(path, newName string) error {
	n, err := t.existing(path)
	if err != nil {
		return err
	}
	if err := ValidateName(newName); err != nil {
		return err
	}
	if n.Name() == newName {
		return fmt.Errorf("rename %s to %s: %w", path, newName, core.ErrSameValue)
	}
	parentPath, _ := Split(path)
	if IsCategoryPath(path) {
		if _, taken := t.categories[CategoryPath(parentPath, newName)]; taken {
			return fmt.Errorf("category %s: %w", CategoryPath(parentPath, newName), core.ErrAlreadyExists)
		}
		return nil
	}
	if existing, taken := t.names[newName]; taken {
		return fmt.Errorf("item %s exists at %s: %w", newName, existing.Path(), core.ErrAlreadyExists)
	}
	return nil
}

// ValidateMove checks moving the node at path under newParentPath.
func (t *Tree[T]) ValidateMove(path, newParentPath string) error {
	n, err := t.existing(path)
	if err != nil {
		return err
	}
	if _, ok := t.categories[newParentPath]; !ok {
		return fmt.Errorf("category %s: %w", newParentPath, core.ErrNotFound)
	}
	parentPath, name := Split(path)
	if parentPath == newParentPath {
		return fmt.Errorf("move %s to %s: %w", path, newParentPath, core.ErrSameValue)
	}
	if !IsCategoryPath(path) {
		return nil
	}
	if IsWithin(newParentPath, path) {
		return fmt.Errorf("move %s into its own subtree: %w", n.Path(), core.ErrConflict)
	}
	if _, taken := t.categories[CategoryPath(newParentPath, name)]; taken {
		return fmt.Errorf("category %s: %w", CategoryPath(newParentPath, name), core.ErrAlreadyExists)
	}
	return nil
}

// ValidateDelete checks deleting the node at path. A category must be
// empty.
func (t *Tree[T]) ValidateDelete(path string) error {
	if _, err := t.existing(path); err != nil {
		return err
	}
	if !IsCategoryPath(path) {
		return nil
	}
	cat := t.categories[path]
	if cat.IsEmpty() {
		return nil
	}
	var child string
	if cats := cat.Categories(); len(cats) > 0 {
		child = cats[0].Path()
	} else {
		child = cat.Items()[0].Path()
	}
	return fmt.Errorf("category %s holds %s: %w", path, child, core.ErrNotEmpty)
}

// ValidateCategoryPath checks path names an existing category.
func (t *Tree[T]) ValidateCategoryPath(path string) error {
	if _, ok := t.categories[path]; !ok {
		return fmt.Errorf("category %s: %w", path, core.ErrNotFound)
	}
	return nil
}

func (t *Tree[T]) existing(path string) (core.Node, error) {
	if path == RootPath {
		return nil, fmt.Errorf("root category: %w", core.ErrPermissionDenied)
	}
	n, ok := t.Node(path)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, core.ErrNotFound)
	}
	return n, nil
}
