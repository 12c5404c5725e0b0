package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/dispatch"
	"github.com/aretw0/tessera/pkg/protocol"
)

// Domains mirrors every open domain of the host on a dispatcher of its own.
type Domains struct {
	c       *Context
	d       *dispatch.Dispatcher
	records map[uuid.UUID]*core.DomainRecord
	editors map[uuid.UUID]map[*Editor]struct{}
	events  *dispatch.Registry[core.DomainEvent]
	src     *source
}

func newDomains(c *Context) *Domains {
	d := dispatch.New("client.domains", dispatch.WithLogger(c.logger))
	return &Domains{
		c:       c,
		d:       d,
		records: make(map[uuid.UUID]*core.DomainRecord),
		editors: make(map[uuid.UUID]map[*Editor]struct{}),
		events:  dispatch.NewRegistry[core.DomainEvent](d),
	}
}

func (m *Domains) subscribe(ctx context.Context) error {
	snap, err := request[protocol.DomainsSnapshot](ctx, m.c, protocol.MethodDomainsSubscribe, nil)
	if err != nil {
		return err
	}
	err = m.d.Invoke(ctx, func(context.Context) error {
		for _, rec := range snap.Domains {
			r := core.DomainRecord{Info: rec.Info.Clone(), Data: rec.Data.Clone()}
			m.records[rec.Info.ID] = &r
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.src, err = m.c.addSource(protocol.SourceDomains, m.d, snap.Next, m.apply, nil)
	return err
}

func (m *Domains) apply(ctx context.Context, cb protocol.Callback) error {
	ev, err := protocol.Decode[core.DomainEvent](cb.Data)
	if err != nil {
		return err
	}
	id := ev.Info.ID
	rec, ok := m.records[id]
	switch {
	case ev.Kind == core.DomainCreated:
		if ok {
			return fmt.Errorf("domain %s created twice: %w", id, core.ErrProtocolViolation)
		}
		rec = &core.DomainRecord{}
		if ev.Data != nil {
			rec.Data = ev.Data.Clone()
		}
		m.records[id] = rec
	case !ok:
		return fmt.Errorf("%s for unknown domain %s: %w", ev.Kind, id, core.ErrProtocolViolation)
	case ev.Kind == core.DomainDeleted:
		delete(m.records, id)
	case ev.Kind == core.DomainRowChanged:
		if err := applyRow(&rec.Data, ev); err != nil {
			return err
		}
	case ev.Kind == core.DomainPropertyChanged:
		if rec.Data.Properties == nil {
			rec.Data.Properties = make(map[string]string)
		}
		rec.Data.Properties[ev.Property] = ev.Value
	}
	rec.Info = ev.Info.Clone()

	if err := m.events.Emit(ctx, ev); err != nil {
		return err
	}
	task := firstTask(cb)
	for e := range m.editors[id] {
		if err := e.notify(ctx, task, ev); err != nil {
			return err
		}
	}
	return nil
}

func applyRow(data *core.DomainData, ev core.DomainEvent) error {
	if ev.Row == nil {
		return fmt.Errorf("row change without row: %w", core.ErrProtocolViolation)
	}
	i := data.RowIndex(ev.Row.Key)
	switch ev.Action {
	case core.RowInserted:
		if i >= 0 {
			return fmt.Errorf("row %s inserted twice: %w", ev.Row.Key, core.ErrProtocolViolation)
		}
		data.Rows = append(data.Rows, ev.Row.Clone())
	case core.RowUpdated:
		if i < 0 {
			return fmt.Errorf("row %s: %w", ev.Row.Key, core.ErrProtocolViolation)
		}
		data.Rows[i] = ev.Row.Clone()
	case core.RowRemoved:
		if i < 0 {
			return fmt.Errorf("row %s: %w", ev.Row.Key, core.ErrProtocolViolation)
		}
		data.Rows = append(data.Rows[:i:i], data.Rows[i+1:]...)
	default:
		return fmt.Errorf("row action %q: %w", ev.Action, core.ErrProtocolViolation)
	}
	return nil
}

// Subscribe registers fn for every event of the domains source.
func (m *Domains) Subscribe(fn func(ctx context.Context, e core.DomainEvent)) (unsubscribe func()) {
	return m.events.Subscribe(fn)
}

// List returns the open domains.
func (m *Domains) List(ctx context.Context) ([]core.DomainInfo, error) {
	return dispatch.InvokeValue(ctx, m.d, func(context.Context) ([]core.DomainInfo, error) {
		out := make([]core.DomainInfo, 0, len(m.records))
		for _, rec := range m.records {
			out = append(out, rec.Info.Clone())
		}
		return out, nil
	})
}

// Find returns the domain open on the item at path of target, if any.
func (m *Domains) Find(ctx context.Context, dataBase, target, path string) (core.DomainInfo, bool, error) {
	var (
		info  core.DomainInfo
		found bool
	)
	err := m.d.Invoke(ctx, func(context.Context) error {
		for _, rec := range m.records {
			if rec.Info.DataBase == dataBase && rec.Info.Kind.Target() == target && rec.Info.Path == path {
				info, found = rec.Info.Clone(), true
				return nil
			}
		}
		return nil
	})
	return info, found, err
}

func (m *Domains) record(id uuid.UUID) (*core.DomainRecord, error) {
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("domain %s: %w", id, core.ErrNotFound)
	}
	return rec, nil
}

// attach starts routing the events of the domain to e. Subscribers of e
// first see an EditBegun event describing the domain as of this call.
func (m *Domains) attach(ctx context.Context, e *Editor, task core.TaskID) error {
	return m.d.Invoke(ctx, func(context.Context) error {
		rec, err := m.record(e.id)
		if err != nil {
			return err
		}
		set := m.editors[e.id]
		if set == nil {
			set = make(map[*Editor]struct{})
			m.editors[e.id] = set
		}
		if _, ok := set[e]; ok {
			return fmt.Errorf("editor of %s attached twice: %w", e.id, core.ErrProtocolViolation)
		}
		set[e] = struct{}{}
		e.begun = EditorEvent{Kind: EditBegun, TaskID: task, Info: rec.Info.Clone()}
		if owner, ok := rec.Info.Owner(); ok {
			e.begun.UserID = owner.UserID
		}
		return nil
	})
}

func (m *Domains) isAttached(e *Editor) bool {
	_, ok := m.editors[e.id][e]
	return ok
}

// detach stops routing events to e. It runs on the domains dispatcher.
func (m *Domains) detach(e *Editor) error {
	set := m.editors[e.id]
	if _, ok := set[e]; !ok {
		return fmt.Errorf("editor of %s is not attached: %w", e.id, core.ErrProtocolViolation)
	}
	delete(set, e)
	if len(set) == 0 {
		delete(m.editors, e.id)
	}
	return nil
}

// Attached returns how many editors of this context observe the domain.
func (m *Domains) Attached(ctx context.Context, id uuid.UUID) (int, error) {
	return dispatch.InvokeValue(ctx, m.d, func(context.Context) (int, error) {
		return len(m.editors[id]), nil
	})
}

// Delete closes the domain id on behalf of its participants. Administrators
// use it for domains whose owner is gone. Unless isCanceled the working copy
// is written to the item first.
func (m *Domains) Delete(ctx context.Context, id uuid.UUID, isCanceled bool) error {
	rec, err := dispatch.InvokeValue(ctx, m.d, func(context.Context) (core.DomainRecord, error) {
		r, err := m.record(id)
		if err != nil {
			return core.DomainRecord{}, err
		}
		return *r, nil
	})
	if err != nil {
		return err
	}

	task := taskFrom(ctx)
	waits := []completion{{src: m.src, id: task}}
	if db := m.c.dbs.handle(rec.Info.DataBase); db != nil && !isCanceled {
		if st, err := db.state(); err == nil {
			waits = append(waits, completion{src: st.src, id: protocol.Derive(task, protocol.PartItem)})
		}
	}
	p := protocol.DomainParams{TaskID: task, ID: id, IsCanceled: isCanceled}
	return m.c.write(ctx, protocol.MethodDeleteDomain, p, nil, waits...)
}

// EditorEventKind names an event raised on an Editor.
type EditorEventKind string

const (
	EditBegun      EditorEventKind = "edit.begun"
	EditEnded      EditorEventKind = "edit.ended"
	EditCanceled   EditorEventKind = "edit.canceled"
	Changed        EditorEventKind = "edit.changed"
	EditorsChanged EditorEventKind = "edit.editors_changed"
	HostChanged    EditorEventKind = "edit.host_changed"
)

// EditorEvent is one change of the domain an Editor observes.
type EditorEvent struct {
	Kind     EditorEventKind
	TaskID   core.TaskID
	UserID   string
	Info     core.DomainInfo
	Action   core.RowAction
	Row      *core.Row
	Property string
	Value    string
}

func editorKind(ev core.DomainEvent) EditorEventKind {
	switch ev.Kind {
	case core.DomainCreated:
		return EditBegun
	case core.DomainRowChanged, core.DomainPropertyChanged:
		return Changed
	case core.DomainHostChanged:
		return HostChanged
	case core.DomainDeleted:
		if ev.IsCanceled {
			return EditCanceled
		}
		return EditEnded
	}
	return EditorsChanged
}

// Editor takes part in one domain. It observes the domain's events until
// the domain closes or Detach is called.
type Editor struct {
	c      *Context
	dms    *Domains
	db     *DataBase
	id     uuid.UUID
	events *dispatch.Registry[EditorEvent]
	begun  EditorEvent
}

func newEditor(db *DataBase, id uuid.UUID) *Editor {
	dms := db.c.domains
	return &Editor{c: db.c, dms: dms, db: db, id: id, events: dispatch.NewRegistry[EditorEvent](dms.d)}
}

// notify runs on the domains dispatcher for every event of the domain.
func (e *Editor) notify(ctx context.Context, task core.TaskID, ev core.DomainEvent) error {
	out := EditorEvent{
		Kind:     editorKind(ev),
		TaskID:   task,
		UserID:   ev.UserID,
		Info:     ev.Info.Clone(),
		Action:   ev.Action,
		Row:      ev.Row,
		Property: ev.Property,
		Value:    ev.Value,
	}
	if ev.Kind == core.DomainDeleted {
		if err := e.dms.detach(e); err != nil {
			return err
		}
	}
	return e.events.Emit(ctx, out)
}

// ID is the domain id shared by every participant.
func (e *Editor) ID() uuid.UUID { return e.id }

// Subscribe registers fn for the events of the domain. The first event fn
// sees is EditBegun, even when it subscribes after the domain began.
func (e *Editor) Subscribe(fn func(ctx context.Context, ev EditorEvent)) (unsubscribe func()) {
	var (
		begun  sync.Once
		active atomic.Bool
	)
	active.Store(true)
	greet := func(ctx context.Context) {
		begun.Do(func() { fn(ctx, e.begun) })
	}
	unsub := e.events.Subscribe(func(ctx context.Context, ev EditorEvent) {
		greet(ctx)
		fn(ctx, ev)
	})
	err := e.dms.d.Post(context.Background(), func(ctx context.Context) error {
		if active.Load() && e.dms.isAttached(e) {
			greet(ctx)
		}
		return nil
	})
	if err != nil {
		e.c.logger.Debug("editor subscribed after close", "domain", e.id, "error", err)
	}
	return func() {
		active.Store(false)
		unsub()
	}
}

// Info returns the mirrored description of the domain.
func (e *Editor) Info(ctx context.Context) (core.DomainInfo, error) {
	return dispatch.InvokeValue(ctx, e.dms.d, func(context.Context) (core.DomainInfo, error) {
		rec, err := e.dms.record(e.id)
		if err != nil {
			return core.DomainInfo{}, err
		}
		return rec.Info.Clone(), nil
	})
}

// Data returns the mirrored working copy.
func (e *Editor) Data(ctx context.Context) (core.DomainData, error) {
	return dispatch.InvokeValue(ctx, e.dms.d, func(context.Context) (core.DomainData, error) {
		rec, err := e.dms.record(e.id)
		if err != nil {
			return core.DomainData{}, err
		}
		return rec.Data.Clone(), nil
	})
}

// Detach stops observing the domain without leaving it. Detaching an editor
// that is not attached is a protocol violation.
func (e *Editor) Detach(ctx context.Context) error {
	return e.dms.d.Invoke(ctx, func(context.Context) error {
		return e.dms.detach(e)
	})
}

func (e *Editor) send(ctx context.Context, method string, p protocol.DomainParams, extra ...completion) error {
	p.TaskID = taskFrom(ctx)
	p.ID = e.id
	waits := append([]completion{{src: e.dms.src, id: p.TaskID}}, extra...)
	return e.c.write(ctx, method, p, nil, waits...)
}

// NewRow appends row to the working copy.
func (e *Editor) NewRow(ctx context.Context, row core.Row) error {
	return e.send(ctx, protocol.MethodNewRow, protocol.DomainParams{Row: &row})
}

// SetRow replaces the row with the same key.
func (e *Editor) SetRow(ctx context.Context, row core.Row) error {
	return e.send(ctx, protocol.MethodSetRow, protocol.DomainParams{Row: &row})
}

func (e *Editor) RemoveRow(ctx context.Context, key string) error {
	return e.send(ctx, protocol.MethodRemoveRow, protocol.DomainParams{Key: key})
}

// SetProperty sets one property of the working copy.
func (e *Editor) SetProperty(ctx context.Context, key, value string) error {
	return e.send(ctx, protocol.MethodSetProperty, protocol.DomainParams{Property: key, Value: value})
}

// SetOwner hands the domain to the participant signed in as authenticationID.
func (e *Editor) SetOwner(ctx context.Context, authenticationID string) error {
	return e.send(ctx, protocol.MethodSetOwner, protocol.DomainParams{Owner: authenticationID})
}

// Leave leaves the domain as a participant and stops observing it.
func (e *Editor) Leave(ctx context.Context) error {
	if err := e.send(ctx, protocol.MethodLeaveDomain, protocol.DomainParams{}); err != nil {
		return err
	}
	return e.dms.d.Invoke(ctx, func(context.Context) error {
		if _, ok := e.dms.editors[e.id][e]; !ok {
			return nil
		}
		return e.dms.detach(e)
	})
}

// EndEdit writes the working copy to the item and closes the domain. When
// the data base is entered it also waits for the item change to be mirrored.
func (e *Editor) EndEdit(ctx context.Context) error {
	task := taskFrom(ctx)
	ctx = WithTask(ctx, task)
	var extra []completion
	if st, err := e.db.state(); err == nil {
		extra = append(extra, completion{src: st.src, id: protocol.Derive(task, protocol.PartItem)})
	}
	return e.send(ctx, protocol.MethodEndEdit, protocol.DomainParams{}, extra...)
}

// CancelEdit closes the domain and discards the working copy.
func (e *Editor) CancelEdit(ctx context.Context) error {
	return e.send(ctx, protocol.MethodCancelEdit, protocol.DomainParams{})
}

// BeginContentEdit opens a domain on the rows of the table at path, joining
// the one already open there.
func (db *DataBase) BeginContentEdit(ctx context.Context, path string) (*Editor, error) {
	return db.begin(ctx, protocol.MethodBeginEdit, protocol.DomainParams{Kind: core.DomainTableContent, Path: path})
}

// BeginTemplateEdit opens a domain on the template of the item at path of
// target: table columns for core.TargetTables, type members for
// core.TargetTypes.
func (db *DataBase) BeginTemplateEdit(ctx context.Context, target, path string) (*Editor, error) {
	kind := core.DomainTableTemplate
	if target == core.TargetTypes {
		kind = core.DomainTypeTemplate
	}
	return db.begin(ctx, protocol.MethodBeginEdit, protocol.DomainParams{Kind: kind, Path: path})
}

// BeginNewTable opens a domain that creates table name in category when it
// ends.
func (db *DataBase) BeginNewTable(ctx context.Context, category, name string) (*Editor, error) {
	return db.begin(ctx, protocol.MethodBeginNew, protocol.DomainParams{Kind: core.DomainTableTemplate, Category: category, Name: name})
}

// BeginNewType opens a domain that creates type name in category when it
// ends.
func (db *DataBase) BeginNewType(ctx context.Context, category, name string) (*Editor, error) {
	return db.begin(ctx, protocol.MethodBeginNew, protocol.DomainParams{Kind: core.DomainTypeTemplate, Category: category, Name: name})
}

func (db *DataBase) begin(ctx context.Context, method string, p protocol.DomainParams) (*Editor, error) {
	p.TaskID = taskFrom(ctx)
	p.DataBase = db.name
	var res protocol.DomainResult
	if err := db.c.write(ctx, method, p, &res, completion{src: db.c.domains.src, id: p.TaskID}); err != nil {
		return nil, err
	}
	e := newEditor(db, res.Info.ID)
	if err := db.c.domains.attach(ctx, e, p.TaskID); err != nil {
		return nil, err
	}
	return e, nil
}

// AttachEditor observes a running domain of the data base. The context joins
// it first unless it already takes part, as after re-entering.
func (db *DataBase) AttachEditor(ctx context.Context, id uuid.UUID) (*Editor, error) {
	dms := db.c.domains
	info, err := dispatch.InvokeValue(ctx, dms.d, func(context.Context) (core.DomainInfo, error) {
		rec, err := dms.record(id)
		if err != nil {
			return core.DomainInfo{}, err
		}
		return rec.Info.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	if info.DataBase != db.name {
		return nil, fmt.Errorf("domain %s belongs to %s: %w", id, info.DataBase, core.ErrNotFound)
	}
	var task core.TaskID
	if !info.HasUser(db.c.auth.ID) {
		task = taskFrom(ctx)
		err := db.c.write(ctx, protocol.MethodJoinDomain, protocol.DomainParams{TaskID: task, ID: id}, nil, completion{src: dms.src, id: task})
		if err != nil {
			return nil, err
		}
	}
	e := newEditor(db, id)
	if err := dms.attach(ctx, e, task); err != nil {
		return nil, err
	}
	return e, nil
}
