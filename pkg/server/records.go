package server

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/aretw0/tessera/pkg/codec"
	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/tree"
)

// Repository layout.
const (
	UsersDir     = "users"
	DataBasesDir = "databases"
	CategoryFile = ".category.yaml"
	DataBaseFile = ".database.yaml"
	recordExt    = ".yaml"
)

// records maps tree paths of one collection to repository files below root.
type records struct {
	root string
	ser  codec.Serializer
}

func newRecords(root string) records {
	return records{root: root, ser: codec.NewYAMLSerializer(true)}
}

// dir returns the directory of a category path, as a lock scope.
func (r records) dir(category string) string {
	return r.root + category
}

func (r records) categoryFile(category string) string {
	return r.dir(category) + CategoryFile
}

func (r records) itemFile(item string) string {
	return r.root + item + recordExt
}

// location is what gets moved or deleted for a node, and what gets locked.
func (r records) location(p string) string {
	if tree.IsCategoryPath(p) {
		return r.dir(p)
	}
	return r.itemFile(p)
}

type categoryRecord struct {
	Access core.AccessInfo `yaml:"access,omitempty"`
	Lock   core.LockInfo   `yaml:"lock,omitempty"`
}

type itemRecord[T any] struct {
	Access  core.AccessInfo `yaml:"access,omitempty"`
	Lock    core.LockInfo   `yaml:"lock,omitempty"`
	Payload T               `yaml:"payload"`
}

func (r records) writeCategory(store core.Store, category string, access core.AccessInfo, lock core.LockInfo) error {
	data, err := r.ser.Encode(categoryRecord{Access: access, Lock: lock})
	if err != nil {
		return err
	}
	return store.Write(r.categoryFile(category), data)
}

func writeItem[T any](r records, store core.Store, item string, payload T, access core.AccessInfo, lock core.LockInfo) error {
	data, err := r.ser.Encode(itemRecord[T]{Access: access, Lock: lock, Payload: payload})
	if err != nil {
		return err
	}
	return store.Write(r.itemFile(item), data)
}

// writeSnapshot replaces everything below root with s.
func writeSnapshot[T any](r records, store core.Store, s core.Snapshot[T]) error {
	if err := store.Delete(r.root); err != nil && !errors.Is(err, core.ErrNotFound) {
		return err
	}
	hasRoot := false
	for _, c := range s.Categories {
		if c.Path == tree.RootPath {
			hasRoot = true
		}
		if err := r.writeCategory(store, c.Path, c.Access, c.Lock); err != nil {
			return err
		}
	}
	if !hasRoot {
		if err := r.writeCategory(store, tree.RootPath, core.AccessInfo{}, core.LockInfo{}); err != nil {
			return err
		}
	}
	for _, i := range s.Items {
		if err := writeItem(r, store, i.Path, i.Payload, i.Access, i.Lock); err != nil {
			return err
		}
	}
	return nil
}

// loadSnapshot reads every record below root. Directories holding items but
// no category marker still become categories.
func loadSnapshot[T any](r records, files []string, read func(string) ([]byte, error)) (core.Snapshot[T], error) {
	var s core.Snapshot[T]
	categories := map[string]core.CategoryRecord{tree.RootPath: {Path: tree.RootPath}}

	ensure := func(category string) {
		for c := category; c != tree.RootPath; c, _ = tree.Split(c) {
			if _, ok := categories[c]; !ok {
				categories[c] = core.CategoryRecord{Path: c}
			}
		}
	}

	for _, f := range files {
		rel := strings.TrimPrefix(f, r.root)
		if rel == f || !strings.HasPrefix(rel, "/") {
			continue
		}
		data, err := read(f)
		if err != nil {
			return s, err
		}
		dir := path.Dir(rel)
		category := tree.RootPath
		if dir != "/" {
			category = dir + "/"
		}

		if path.Base(rel) == CategoryFile {
			var rec categoryRecord
			if err := r.ser.Decode(data, &rec); err != nil {
				return s, fmt.Errorf("decode %s: %w", f, err)
			}
			ensure(category)
			categories[category] = core.CategoryRecord{Path: category, Access: rec.Access, Lock: rec.Lock}
			continue
		}
		if path.Ext(rel) != recordExt || strings.HasPrefix(path.Base(rel), ".") {
			continue
		}
		var rec itemRecord[T]
		if err := r.ser.Decode(data, &rec); err != nil {
			return s, fmt.Errorf("decode %s: %w", f, err)
		}
		ensure(category)
		s.Items = append(s.Items, core.ItemRecord[T]{
			Path:    strings.TrimSuffix(rel, recordExt),
			Payload: rec.Payload,
			Access:  rec.Access,
			Lock:    rec.Lock,
		})
	}

	for _, c := range categories {
		s.Categories = append(s.Categories, c)
	}
	sort.Slice(s.Categories, func(i, j int) bool { return s.Categories[i].Path < s.Categories[j].Path })
	sort.Slice(s.Items, func(i, j int) bool { return s.Items[i].Path < s.Items[j].Path })
	return s, nil
}

type dataBaseRecord struct {
	Comment string          `yaml:"comment,omitempty"`
	Access  core.AccessInfo `yaml:"access,omitempty"`
	Lock    core.LockInfo   `yaml:"lock,omitempty"`
}

func dataBaseDir(name string) string {
	return DataBasesDir + "/" + name + "/"
}

func dataBaseFile(name string) string {
	return dataBaseDir(name) + DataBaseFile
}

func writeDataBase(ser codec.Serializer, store core.Store, info core.DataBaseInfo) error {
	data, err := ser.Encode(dataBaseRecord{Comment: info.Comment, Access: info.Access, Lock: info.Lock})
	if err != nil {
		return err
	}
	return store.Write(dataBaseFile(info.Name), data)
}
