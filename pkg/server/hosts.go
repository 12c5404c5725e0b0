package server

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/dispatch"
	"github.com/aretw0/tessera/pkg/tree"
)

// domainHost binds a domain to the item it edits.
type domainHost interface {
	// open checks the target item, captures what validation needs and
	// returns its current content. A nil auth skips permission checks, which
	// is how domains are attached again after a load.
	open(ctx context.Context, st *loaded, info core.DomainInfo, auth *core.Authentication) (core.DomainData, error)
	validateRow(row core.Row) error
	validateProperty(key, value string) error
	// commit writes data to the item, creating it for new domains.
	commit(ctx context.Context, auth *core.Authentication, task core.TaskID, st *loaded, info core.DomainInfo, data core.DomainData) error
}

func hostFor(kind core.DomainKind) (domainHost, error) {
	switch kind {
	case core.DomainTableContent:
		return newContentHost(), nil
	case core.DomainTableTemplate:
		return newTableTemplateHost(), nil
	case core.DomainTypeTemplate:
		return newTypeTemplateHost(), nil
	}
	return nil, fmt.Errorf("domain kind %q: %w", kind, core.ErrInvalidName)
}

// itemHost is a domainHost over one collection of a data base.
type itemHost[T any] struct {
	collection func(st *loaded) *Collection[T]
	need       core.AccessType
	read       func(payload T) core.DomainData
	write      func(cur T, data core.DomainData) T
	row        func(row core.Row) error
	property   func(key, value string) error
}

func (h *itemHost[T]) open(ctx context.Context, st *loaded, info core.DomainInfo, auth *core.Authentication) (core.DomainData, error) {
	c := h.collection(st)
	return dispatch.InvokeValue(ctx, st.d, func(ctx context.Context) (core.DomainData, error) {
		if auth != nil {
			if err := c.admit(ctx, auth); err != nil {
				return core.DomainData{}, err
			}
		}
		if info.IsNew {
			category, name := tree.Split(info.Path)
			if err := c.tree.ValidateAddItem(category, name); err != nil {
				return core.DomainData{}, err
			}
			if auth != nil {
				parent, _ := c.tree.Category(category)
				if err := authorize(auth, parent, core.AccessEditor); err != nil {
					return core.DomainData{}, err
				}
				if err := checkLock(auth, parent); err != nil {
					return core.DomainData{}, err
				}
			}
			var zero T
			return h.read(zero), nil
		}

		i, ok := c.tree.Item(info.Path)
		if !ok || tree.IsCategoryPath(info.Path) {
			return core.DomainData{}, fmt.Errorf("item %s: %w", info.Path, core.ErrNotFound)
		}
		if auth != nil {
			if err := authorize(auth, i, h.need); err != nil {
				return core.DomainData{}, err
			}
			if err := checkLock(auth, i); err != nil {
				return core.DomainData{}, err
			}
		}
		return h.read(i.Payload()), nil
	})
}

func (h *itemHost[T]) validateRow(row core.Row) error {
	if row.Key == "" {
		return fmt.Errorf("row without key: %w", core.ErrInvalidName)
	}
	return h.row(row)
}

func (h *itemHost[T]) validateProperty(key, value string) error {
	if h.property == nil {
		return fmt.Errorf("property %q: %w", key, core.ErrInvalidName)
	}
	return h.property(key, value)
}

func (h *itemHost[T]) commit(ctx context.Context, auth *core.Authentication, task core.TaskID, st *loaded, info core.DomainInfo, data core.DomainData) error {
	c := h.collection(st)
	if info.IsNew {
		category, name := tree.Split(info.Path)
		var zero T
		return c.AddNewItem(ctx, auth, task, category, name, h.write(zero, data))
	}
	return c.update(ctx, auth, task, info.Path, func(cur T) (T, error) {
		return h.write(cur, data), nil
	})
}

func tablesOf(st *loaded) *Collection[core.TableInfo] { return st.tables }
func typesOf(st *loaded) *Collection[core.TypeInfo]   { return st.types }

// newContentHost edits the rows of a table. Row fields must name columns of
// the table when it declares any.
func newContentHost() domainHost {
	var columns map[string]bool
	return &itemHost[core.TableInfo]{
		collection: tablesOf,
		need:       core.AccessEditor,
		read: func(t core.TableInfo) core.DomainData {
			columns = make(map[string]bool, len(t.Columns))
			for _, c := range t.Columns {
				columns[c.Name] = true
			}
			return core.DomainData{Rows: t.Clone().Rows}
		},
		write: func(cur core.TableInfo, data core.DomainData) core.TableInfo {
			cur.Rows = data.Clone().Rows
			return cur
		},
		row: func(row core.Row) error {
			if len(columns) == 0 {
				return nil
			}
			for field := range row.Fields {
				if !columns[field] {
					return fmt.Errorf("row %s: no column %q: %w", row.Key, field, core.ErrInvalidName)
				}
			}
			return nil
		},
	}
}

// Template field names.
const (
	fieldDataType = "data_type"
	fieldIsKey    = "is_key"
	fieldValue    = "value"
	fieldComment  = "comment"

	propertyComment = "comment"
	propertyIsFlag  = "is_flag"
)

// newTableTemplateHost edits the columns of a table, one row per column.
func newTableTemplateHost() domainHost {
	return &itemHost[core.TableInfo]{
		collection: tablesOf,
		need:       core.AccessMaster,
		read: func(t core.TableInfo) core.DomainData {
			data := core.DomainData{Properties: map[string]string{propertyComment: t.Comment}}
			for _, c := range t.Columns {
				fields := map[string]string{fieldDataType: c.DataType, fieldIsKey: strconv.FormatBool(c.IsKey)}
				if c.Comment != "" {
					fields[fieldComment] = c.Comment
				}
				data.Rows = append(data.Rows, core.Row{Key: c.Name, Fields: fields})
			}
			return data
		},
		write: func(cur core.TableInfo, data core.DomainData) core.TableInfo {
			cur = cur.Clone()
			cur.Comment = data.Properties[propertyComment]
			cur.Columns = nil
			names := make(map[string]bool)
			for _, r := range data.Rows {
				isKey, _ := strconv.ParseBool(r.Fields[fieldIsKey])
				cur.Columns = append(cur.Columns, core.Column{
					Name:     r.Key,
					DataType: r.Fields[fieldDataType],
					IsKey:    isKey,
					Comment:  r.Fields[fieldComment],
				})
				names[r.Key] = true
			}
			for i := range cur.Rows {
				for field := range cur.Rows[i].Fields {
					if !names[field] {
						delete(cur.Rows[i].Fields, field)
					}
				}
			}
			return cur
		},
		row: func(row core.Row) error {
			if err := tree.ValidateName(row.Key); err != nil {
				return err
			}
			if row.Fields[fieldDataType] == "" {
				return fmt.Errorf("column %s without data type: %w", row.Key, core.ErrInvalidName)
			}
			return checkFields(row, map[string]func(string) error{
				fieldDataType: nil,
				fieldIsKey:    parseBool,
				fieldComment:  nil,
			})
		},
		property: func(key, value string) error {
			if key != propertyComment {
				return fmt.Errorf("table property %q: %w", key, core.ErrInvalidName)
			}
			return nil
		},
	}
}

// newTypeTemplateHost edits the members of a type, one row per member.
func newTypeTemplateHost() domainHost {
	return &itemHost[core.TypeInfo]{
		collection: typesOf,
		need:       core.AccessMaster,
		read: func(t core.TypeInfo) core.DomainData {
			data := core.DomainData{Properties: map[string]string{
				propertyComment: t.Comment,
				propertyIsFlag:  strconv.FormatBool(t.IsFlag),
			}}
			for _, m := range t.Members {
				fields := map[string]string{fieldValue: strconv.FormatInt(m.Value, 10)}
				if m.Comment != "" {
					fields[fieldComment] = m.Comment
				}
				data.Rows = append(data.Rows, core.Row{Key: m.Name, Fields: fields})
			}
			return data
		},
		write: func(cur core.TypeInfo, data core.DomainData) core.TypeInfo {
			next := core.TypeInfo{Comment: data.Properties[propertyComment]}
			next.IsFlag, _ = strconv.ParseBool(data.Properties[propertyIsFlag])
			for _, r := range data.Rows {
				v, _ := strconv.ParseInt(r.Fields[fieldValue], 10, 64)
				next.Members = append(next.Members, core.TypeMember{Name: r.Key, Value: v, Comment: r.Fields[fieldComment]})
			}
			return next
		},
		row: func(row core.Row) error {
			if err := tree.ValidateName(row.Key); err != nil {
				return err
			}
			if _, ok := row.Fields[fieldValue]; !ok {
				return fmt.Errorf("member %s without value: %w", row.Key, core.ErrInvalidName)
			}
			return checkFields(row, map[string]func(string) error{
				fieldValue:   parseInt,
				fieldComment: nil,
			})
		},
		property: func(key, value string) error {
			switch key {
			case propertyComment:
				return nil
			case propertyIsFlag:
				return parseBool(value)
			}
			return fmt.Errorf("type property %q: %w", key, core.ErrInvalidName)
		},
	}
}

// checkFields rejects unknown fields and runs the parser of every known one.
func checkFields(row core.Row, allowed map[string]func(string) error) error {
	keys := make([]string, 0, len(row.Fields))
	for k := range row.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parse, ok := allowed[k]
		if !ok {
			return fmt.Errorf("row %s: field %q: %w", row.Key, k, core.ErrInvalidName)
		}
		if parse == nil {
			continue
		}
		if err := parse(row.Fields[k]); err != nil {
			return fmt.Errorf("row %s: field %q: %w", row.Key, k, err)
		}
	}
	return nil
}

func parseBool(s string) error {
	if _, err := strconv.ParseBool(s); err != nil {
		return fmt.Errorf("%q is not a boolean: %w", s, core.ErrInvalidName)
	}
	return nil
}

func parseInt(s string) error {
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return fmt.Errorf("%q is not an integer: %w", s, core.ErrInvalidName)
	}
	return nil
}
