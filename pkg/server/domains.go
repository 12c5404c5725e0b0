package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/dispatch"
	"github.com/aretw0/tessera/pkg/protocol"
	"github.com/aretw0/tessera/pkg/tree"
)

// domain is one open edit session. Its fields belong to the domain context
// dispatcher; host and st are nil while the data base is unloaded.
type domain struct {
	info core.DomainInfo
	data core.DomainData
	host domainHost
	st   *loaded
}

// DomainContext owns every open domain and the domains source. All domains
// share one dispatcher so the source is totally ordered.
type DomainContext struct {
	host    *Host
	d       *dispatch.Dispatcher
	bc      *Broadcaster
	logger  *slog.Logger
	domains map[uuid.UUID]*domain
}

func newDomainContext(h *Host) *DomainContext {
	d := dispatch.New(protocol.SourceDomains, dispatch.WithLogger(h.logger))
	return &DomainContext{
		host:    h,
		d:       d,
		bc:      NewBroadcaster(protocol.SourceDomains, d, h.logger),
		logger:  h.logger.With("context", "domains"),
		domains: make(map[uuid.UUID]*domain),
	}
}

func (c *DomainContext) sorted() []*domain {
	out := make([]*domain, 0, len(c.domains))
	for _, dm := range c.domains {
		out = append(out, dm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].info.ID.String() < out[j].info.ID.String() })
	return out
}

func (c *DomainContext) get(id uuid.UUID) (*domain, error) {
	dm, ok := c.domains[id]
	if !ok {
		return nil, fmt.Errorf("domain %s: %w", id, core.ErrNotFound)
	}
	return dm, nil
}

// find returns the domain covering an item, whatever its kind.
func (c *DomainContext) find(dataBase, target, path string) *domain {
	for _, dm := range c.domains {
		if dm.info.DataBase == dataBase && dm.info.Kind.Target() == target && dm.info.Path == path {
			return dm
		}
	}
	return nil
}

func (c *DomainContext) emit(ctx context.Context, task core.TaskID, auth *core.Authentication, dm *domain, ev core.DomainEvent) error {
	ev.Info = dm.info.Clone()
	ev.UserID = auth.UserID
	return c.bc.Emit(ctx, Event{
		Kind:    string(ev.Kind),
		Target:  dm.info.ID.String(),
		TaskIDs: tasks(task),
		UserID:  auth.UserID,
		Data:    ev,
	})
}

// Subscribe adds s to the domains source and returns every open domain.
func (c *DomainContext) Subscribe(ctx context.Context, s *Session) (protocol.DomainsSnapshot, error) {
	return dispatch.InvokeValue(ctx, c.d, func(ctx context.Context) (protocol.DomainsSnapshot, error) {
		next, err := c.bc.Subscribe(ctx, s)
		if err != nil {
			return protocol.DomainsSnapshot{}, err
		}
		out := protocol.DomainsSnapshot{Next: next}
		for _, dm := range c.sorted() {
			out.Domains = append(out.Domains, core.DomainRecord{Info: dm.info.Clone(), Data: dm.data.Clone()})
		}
		return out, nil
	})
}

// BeginEdit opens a domain on an existing item, or joins the one already
// open on it.
func (c *DomainContext) BeginEdit(ctx context.Context, auth *core.Authentication, task core.TaskID, dataBase string, kind core.DomainKind, path string) (protocol.DomainResult, error) {
	return c.begin(ctx, auth, task, dataBase, kind, path, false)
}

// BeginNew opens a domain that creates item name in category when it ends.
func (c *DomainContext) BeginNew(ctx context.Context, auth *core.Authentication, task core.TaskID, dataBase string, kind core.DomainKind, category, name string) (protocol.DomainResult, error) {
	if kind == core.DomainTableContent {
		return protocol.DomainResult{}, fmt.Errorf("%s cannot create items: %w", kind, core.ErrConflict)
	}
	if err := tree.ValidateName(name); err != nil {
		return protocol.DomainResult{}, err
	}
	return c.begin(ctx, auth, task, dataBase, kind, tree.ItemPath(category, name), true)
}

func (c *DomainContext) begin(ctx context.Context, auth *core.Authentication, task core.TaskID, dataBase string, kind core.DomainKind, path string, isNew bool) (protocol.DomainResult, error) {
	return dispatch.InvokeValue(ctx, c.d, func(ctx context.Context) (protocol.DomainResult, error) {
		if err := auth.Verify(); err != nil {
			return protocol.DomainResult{}, err
		}
		if auth.Authority == core.AuthorityGuest {
			return protocol.DomainResult{}, fmt.Errorf("guest %s cannot edit: %w", auth.UserID, core.ErrPermissionDenied)
		}
		if dm := c.find(dataBase, kind.Target(), path); dm != nil {
			switch {
			case isNew:
				return protocol.DomainResult{}, fmt.Errorf("%s is being created: %w", path, core.ErrAlreadyExists)
			case dm.info.Kind != kind:
				return protocol.DomainResult{}, fmt.Errorf("%s: %w", path, core.ErrBeingEdited)
			}
			return c.join(ctx, auth, task, dm)
		}

		db, err := c.host.dbs.lookup(dataBase)
		if err != nil {
			return protocol.DomainResult{}, err
		}
		st, err := db.state()
		if err != nil {
			return protocol.DomainResult{}, err
		}
		h, err := hostFor(kind)
		if err != nil {
			return protocol.DomainResult{}, err
		}
		info := core.DomainInfo{
			ID:       uuid.New(),
			DataBase: dataBase,
			Kind:     kind,
			Path:     path,
			IsNew:    isNew,
			Attached: true,
			Users:    []core.DomainUser{participant(auth, true)},
		}
		data, err := h.open(ctx, st, info, auth)
		if err != nil {
			return protocol.DomainResult{}, err
		}
		if err := st.beginEditing(ctx, kind.Target(), path); err != nil {
			return protocol.DomainResult{}, err
		}

		dm := &domain{info: info, data: data, host: h, st: st}
		c.domains[info.ID] = dm
		c.logger.Info("domain begun", "domain", info.ID, "database", dataBase, "kind", kind, "path", path, "user", auth.UserID)
		snapshot := data.Clone()
		if err := c.emit(ctx, task, auth, dm, core.DomainEvent{Kind: core.DomainCreated, Data: &snapshot}); err != nil {
			return protocol.DomainResult{}, err
		}
		return protocol.DomainResult{Info: dm.info.Clone(), Data: dm.data.Clone()}, nil
	})
}

func participant(auth *core.Authentication, owner bool) core.DomainUser {
	return core.DomainUser{UserID: auth.UserID, Name: auth.Name, AuthenticationID: auth.ID, IsOwner: owner}
}

// Join adds auth to a running domain.
func (c *DomainContext) Join(ctx context.Context, auth *core.Authentication, task core.TaskID, id uuid.UUID) (protocol.DomainResult, error) {
	return dispatch.InvokeValue(ctx, c.d, func(ctx context.Context) (protocol.DomainResult, error) {
		if err := auth.Verify(); err != nil {
			return protocol.DomainResult{}, err
		}
		dm, err := c.get(id)
		if err != nil {
			return protocol.DomainResult{}, err
		}
		return c.join(ctx, auth, task, dm)
	})
}

func (c *DomainContext) join(ctx context.Context, auth *core.Authentication, task core.TaskID, dm *domain) (protocol.DomainResult, error) {
	if dm.info.HasUser(auth.ID) {
		return protocol.DomainResult{}, fmt.Errorf("%s already edits %s: %w", auth.UserID, dm.info.ID, core.ErrAlreadyExists)
	}
	if dm.host == nil {
		return protocol.DomainResult{}, fmt.Errorf("domain %s is detached: %w", dm.info.ID, core.ErrConflict)
	}
	if _, err := dm.host.open(ctx, dm.st, dm.info, auth); err != nil {
		return protocol.DomainResult{}, err
	}
	_, owned := dm.info.Owner()
	dm.info.Users = append(dm.info.Users, participant(auth, !owned))
	if err := c.emit(ctx, task, auth, dm, core.DomainEvent{Kind: core.DomainUserAdded}); err != nil {
		return protocol.DomainResult{}, err
	}
	return protocol.DomainResult{Info: dm.info.Clone(), Data: dm.data.Clone()}, nil
}

// Leave removes auth from a domain. Ownership passes to the next
// participant. A detached domain nobody edits any more is dropped.
func (c *DomainContext) Leave(ctx context.Context, auth *core.Authentication, task core.TaskID, id uuid.UUID) error {
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		if err := auth.Verify(); err != nil {
			return err
		}
		dm, err := c.get(id)
		if err != nil {
			return err
		}
		if !dm.info.HasUser(auth.ID) {
			return fmt.Errorf("%s does not edit %s: %w", auth.UserID, id, core.ErrNotFound)
		}
		return c.leave(ctx, auth, task, dm)
	})
}

func (c *DomainContext) leave(ctx context.Context, auth *core.Authentication, task core.TaskID, dm *domain) error {
	var users []core.DomainUser
	wasOwner := false
	for _, u := range dm.info.Users {
		if u.AuthenticationID == auth.ID {
			wasOwner = u.IsOwner
			continue
		}
		users = append(users, u)
	}
	if wasOwner && len(users) > 0 {
		users[0].IsOwner = true
	}
	dm.info.Users = users
	if err := c.emit(ctx, task, auth, dm, core.DomainEvent{Kind: core.DomainUserRemoved}); err != nil {
		return err
	}
	if len(users) == 0 && dm.host == nil {
		return c.remove(ctx, auth, core.TaskID{}, dm, true)
	}
	return nil
}

// release takes auth out of every domain it edits.
func (c *DomainContext) release(ctx context.Context, auth *core.Authentication) error {
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		var errs []error
		for _, dm := range c.sorted() {
			if dm.info.HasUser(auth.ID) {
				if err := c.leave(ctx, auth, core.TaskID{}, dm); err != nil {
					errs = append(errs, err)
				}
			}
		}
		return errors.Join(errs...)
	})
}

// edit runs fn for a participant of an attached domain and broadcasts the
// event it returns.
func (c *DomainContext) edit(ctx context.Context, auth *core.Authentication, task core.TaskID, id uuid.UUID, fn func(dm *domain) (core.DomainEvent, error)) error {
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		if err := auth.Verify(); err != nil {
			return err
		}
		dm, err := c.get(id)
		if err != nil {
			return err
		}
		if !dm.info.HasUser(auth.ID) {
			return fmt.Errorf("%s does not edit %s: %w", auth.UserID, id, core.ErrPermissionDenied)
		}
		if dm.host == nil {
			return fmt.Errorf("domain %s is detached: %w", id, core.ErrConflict)
		}
		ev, err := fn(dm)
		if err != nil {
			return err
		}
		dm.info.Modified = true
		return c.emit(ctx, task, auth, dm, ev)
	})
}

// NewRow appends a row.
func (c *DomainContext) NewRow(ctx context.Context, auth *core.Authentication, task core.TaskID, id uuid.UUID, row core.Row) error {
	return c.edit(ctx, auth, task, id, func(dm *domain) (core.DomainEvent, error) {
		if err := dm.host.validateRow(row); err != nil {
			return core.DomainEvent{}, err
		}
		if dm.data.RowIndex(row.Key) >= 0 {
			return core.DomainEvent{}, fmt.Errorf("row %s: %w", row.Key, core.ErrAlreadyExists)
		}
		dm.data.Rows = append(dm.data.Rows, row.Clone())
		r := row.Clone()
		return core.DomainEvent{Kind: core.DomainRowChanged, Action: core.RowInserted, Row: &r}, nil
	})
}

// SetRow replaces the row with the same key.
func (c *DomainContext) SetRow(ctx context.Context, auth *core.Authentication, task core.TaskID, id uuid.UUID, row core.Row) error {
	return c.edit(ctx, auth, task, id, func(dm *domain) (core.DomainEvent, error) {
		if err := dm.host.validateRow(row); err != nil {
			return core.DomainEvent{}, err
		}
		i := dm.data.RowIndex(row.Key)
		if i < 0 {
			return core.DomainEvent{}, fmt.Errorf("row %s: %w", row.Key, core.ErrNotFound)
		}
		if sameRow(dm.data.Rows[i], row) {
			return core.DomainEvent{}, fmt.Errorf("row %s: %w", row.Key, core.ErrSameValue)
		}
		dm.data.Rows[i] = row.Clone()
		r := row.Clone()
		return core.DomainEvent{Kind: core.DomainRowChanged, Action: core.RowUpdated, Row: &r}, nil
	})
}

func sameRow(a, b core.Row) bool {
	if a.Key != b.Key || len(a.Fields) != len(b.Fields) {
		return false
	}
	for k, v := range a.Fields {
		if w, ok := b.Fields[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// RemoveRow deletes the row with key.
func (c *DomainContext) RemoveRow(ctx context.Context, auth *core.Authentication, task core.TaskID, id uuid.UUID, key string) error {
	return c.edit(ctx, auth, task, id, func(dm *domain) (core.DomainEvent, error) {
		i := dm.data.RowIndex(key)
		if i < 0 {
			return core.DomainEvent{}, fmt.Errorf("row %s: %w", key, core.ErrNotFound)
		}
		r := dm.data.Rows[i]
		dm.data.Rows = append(dm.data.Rows[:i:i], dm.data.Rows[i+1:]...)
		return core.DomainEvent{Kind: core.DomainRowChanged, Action: core.RowRemoved, Row: &r}, nil
	})
}

// SetProperty changes one property of the working copy.
func (c *DomainContext) SetProperty(ctx context.Context, auth *core.Authentication, task core.TaskID, id uuid.UUID, key, value string) error {
	return c.edit(ctx, auth, task, id, func(dm *domain) (core.DomainEvent, error) {
		if err := dm.host.validateProperty(key, value); err != nil {
			return core.DomainEvent{}, err
		}
		if cur, ok := dm.data.Properties[key]; ok && cur == value {
			return core.DomainEvent{}, fmt.Errorf("property %s: %w", key, core.ErrSameValue)
		}
		if dm.data.Properties == nil {
			dm.data.Properties = make(map[string]string)
		}
		dm.data.Properties[key] = value
		return core.DomainEvent{Kind: core.DomainPropertyChanged, Property: key, Value: value}, nil
	})
}

// SetOwner hands the domain over to another participant.
func (c *DomainContext) SetOwner(ctx context.Context, auth *core.Authentication, task core.TaskID, id uuid.UUID, authenticationID string) error {
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		if err := auth.Verify(); err != nil {
			return err
		}
		dm, err := c.get(id)
		if err != nil {
			return err
		}
		if err := c.requireOwner(auth, dm); err != nil {
			return err
		}
		if !dm.info.HasUser(authenticationID) {
			return fmt.Errorf("%s does not edit %s: %w", authenticationID, id, core.ErrNotFound)
		}
		if owner, ok := dm.info.Owner(); ok && owner.AuthenticationID == authenticationID {
			return fmt.Errorf("%s already owns %s: %w", authenticationID, id, core.ErrSameValue)
		}
		for i := range dm.info.Users {
			dm.info.Users[i].IsOwner = dm.info.Users[i].AuthenticationID == authenticationID
		}
		return c.emit(ctx, task, auth, dm, core.DomainEvent{Kind: core.DomainOwnerChanged})
	})
}

func (c *DomainContext) requireOwner(auth *core.Authentication, dm *domain) error {
	if auth.IsAdmin() {
		return nil
	}
	if owner, ok := dm.info.Owner(); ok && owner.AuthenticationID == auth.ID {
		return nil
	}
	return fmt.Errorf("%s does not own %s: %w", auth.UserID, dm.info.ID, core.ErrPermissionDenied)
}

// EndEdit writes the working copy to the item and closes the domain. The
// item change carries the item part of task.
func (c *DomainContext) EndEdit(ctx context.Context, auth *core.Authentication, task core.TaskID, id uuid.UUID) error {
	return c.close(ctx, auth, task, id, false, false)
}

// CancelEdit closes the domain without writing.
func (c *DomainContext) CancelEdit(ctx context.Context, auth *core.Authentication, task core.TaskID, id uuid.UUID) error {
	return c.close(ctx, auth, task, id, true, false)
}

// Delete closes a domain on an administrator's request, ending or canceling
// it.
func (c *DomainContext) Delete(ctx context.Context, auth *core.Authentication, task core.TaskID, id uuid.UUID, isCanceled bool) error {
	return c.close(ctx, auth, task, id, isCanceled, true)
}

func (c *DomainContext) close(ctx context.Context, auth *core.Authentication, task core.TaskID, id uuid.UUID, canceled, adminOnly bool) error {
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		if adminOnly {
			if err := requireAdmin(auth, "deleting a domain"); err != nil {
				return err
			}
		} else if err := auth.Verify(); err != nil {
			return err
		}
		dm, err := c.get(id)
		if err != nil {
			return err
		}
		if err := c.requireOwner(auth, dm); err != nil {
			return err
		}
		if !canceled {
			if dm.host == nil {
				return fmt.Errorf("domain %s is detached: %w", id, core.ErrConflict)
			}
			if err := dm.host.commit(ctx, auth, derive(task, protocol.PartItem), dm.st, dm.info, dm.data.Clone()); err != nil {
				return err
			}
		}
		return c.remove(ctx, auth, task, dm, canceled)
	})
}

func (c *DomainContext) remove(ctx context.Context, auth *core.Authentication, task core.TaskID, dm *domain, canceled bool) error {
	delete(c.domains, dm.info.ID)
	if dm.st != nil {
		if err := dm.st.endEditing(ctx, dm.info.Kind.Target(), dm.info.Path); err != nil {
			c.logger.Warn("end editing", "domain", dm.info.ID, "error", err)
		}
	}
	c.logger.Info("domain closed", "domain", dm.info.ID, "canceled", canceled, "user", auth.UserID)
	return c.emit(ctx, task, auth, dm, core.DomainEvent{Kind: core.DomainDeleted, IsCanceled: canceled})
}

// attach binds the domains of a freshly loaded data base to their items.
// Domains whose item disappeared are canceled.
func (c *DomainContext) attach(ctx context.Context, dataBase string) error {
	db, err := c.host.dbs.lookup(dataBase)
	if err != nil {
		return err
	}
	st, err := db.state()
	if err != nil {
		return err
	}
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		var errs []error
		for _, dm := range c.sorted() {
			if dm.info.DataBase != dataBase || dm.host != nil {
				continue
			}
			h, err := hostFor(dm.info.Kind)
			if err == nil {
				_, err = h.open(ctx, st, dm.info, nil)
			}
			if err != nil {
				c.logger.Warn("domain cannot attach", "domain", dm.info.ID, "error", err)
				errs = append(errs, c.remove(ctx, core.System, core.TaskID{}, dm, true))
				continue
			}
			if err := st.beginEditing(ctx, dm.info.Kind.Target(), dm.info.Path); err != nil {
				errs = append(errs, err)
				continue
			}
			dm.host, dm.st = h, st
			dm.info.Attached = true
			errs = append(errs, c.emit(ctx, core.TaskID{}, core.System, dm, core.DomainEvent{Kind: core.DomainHostChanged}))
		}
		return errors.Join(errs...)
	})
}

// detach unbinds the domains of a data base about to be unloaded. Domains
// with no participant left are canceled.
func (c *DomainContext) detach(ctx context.Context, dataBase string) error {
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		var errs []error
		for _, dm := range c.sorted() {
			if dm.info.DataBase != dataBase || dm.host == nil {
				continue
			}
			if len(dm.info.Users) == 0 {
				errs = append(errs, c.remove(ctx, core.System, core.TaskID{}, dm, true))
				continue
			}
			dm.host, dm.st = nil, nil
			dm.info.Attached = false
			errs = append(errs, c.emit(ctx, core.TaskID{}, core.System, dm, core.DomainEvent{Kind: core.DomainHostChanged}))
		}
		return errors.Join(errs...)
	})
}

// dropDataBase cancels every domain of a deleted data base.
func (c *DomainContext) dropDataBase(ctx context.Context, dataBase string) error {
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		var errs []error
		for _, dm := range c.sorted() {
			if dm.info.DataBase == dataBase {
				errs = append(errs, c.remove(ctx, core.System, core.TaskID{}, dm, true))
			}
		}
		return errors.Join(errs...)
	})
}

// Domains returns the open domains.
func (c *DomainContext) Domains(ctx context.Context) ([]core.DomainInfo, error) {
	return dispatch.InvokeValue(ctx, c.d, func(context.Context) ([]core.DomainInfo, error) {
		var out []core.DomainInfo
		for _, dm := range c.sorted() {
			out = append(out, dm.info.Clone())
		}
		return out, nil
	})
}
