package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/dispatch"
	"github.com/aretw0/tessera/pkg/protocol"
)

// DataBaseEvent reports a change seen on the data bases source.
type DataBaseEvent struct {
	Kind   string
	TaskID core.TaskID
	UserID string
	Info   core.DataBaseInfo
}

// DataBases mirrors the list of data bases. It lives on the context
// dispatcher.
type DataBases struct {
	c      *Context
	infos  map[string]core.DataBaseInfo
	events *dispatch.Registry[DataBaseEvent]
	src    *source

	mu      sync.Mutex
	handles map[string]*DataBase
}

func newDataBases(c *Context) *DataBases {
	return &DataBases{
		c:       c,
		infos:   make(map[string]core.DataBaseInfo),
		events:  dispatch.NewRegistry[DataBaseEvent](c.d),
		handles: make(map[string]*DataBase),
	}
}

func (m *DataBases) subscribe(ctx context.Context) error {
	snap, err := request[protocol.DataBasesSnapshot](ctx, m.c, protocol.MethodDataBasesSubscribe, nil)
	if err != nil {
		return err
	}
	err = m.c.d.Invoke(ctx, func(context.Context) error {
		for _, info := range snap.DataBases {
			m.infos[info.Name] = info
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.src, err = m.c.addSource(protocol.SourceDataBases, m.c.d, snap.Next, m.apply, nil)
	return err
}

func (m *DataBases) apply(ctx context.Context, cb protocol.Callback) error {
	info, err := protocol.Decode[core.DataBaseInfo](cb.Data)
	if err != nil {
		return err
	}
	switch cb.Kind {
	case protocol.KindDataBaseDeleted:
		delete(m.infos, info.Name)
	case protocol.KindDataBaseUnloaded:
		m.infos[info.Name] = info
		// The host has dropped every subscriber of the data base source.
		if db := m.handle(info.Name); db != nil {
			db.drop(ctx)
		}
	default:
		m.infos[info.Name] = info
	}
	return m.events.Emit(ctx, DataBaseEvent{Kind: cb.Kind, TaskID: firstTask(cb), UserID: cb.UserID, Info: info})
}

func (m *DataBases) handle(name string) *DataBase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[name]
}

// Subscribe registers fn for every data bases event.
func (m *DataBases) Subscribe(fn func(ctx context.Context, e DataBaseEvent)) (unsubscribe func()) {
	return m.events.Subscribe(fn)
}

// List returns every data base ordered by name.
func (m *DataBases) List(ctx context.Context) ([]core.DataBaseInfo, error) {
	return dispatch.InvokeValue(ctx, m.c.d, func(context.Context) ([]core.DataBaseInfo, error) {
		out := make([]core.DataBaseInfo, 0, len(m.infos))
		for _, info := range m.infos {
			out = append(out, info.Clone())
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil
	})
}

// Get returns the handle of the data base called name.
func (m *DataBases) Get(ctx context.Context, name string) (*DataBase, error) {
	exists, err := dispatch.InvokeValue(ctx, m.c.d, func(context.Context) (bool, error) {
		_, ok := m.infos[name]
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("data base %s: %w", name, core.ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.handles[name]
	if !ok {
		db = &DataBase{c: m.c, dbs: m, name: name}
		m.handles[name] = db
	}
	return db, nil
}

// AddNewDataBase creates an empty data base.
func (m *DataBases) AddNewDataBase(ctx context.Context, name, comment string) error {
	task := taskFrom(ctx)
	return m.c.write(ctx, protocol.MethodAddDataBase, protocol.DataBaseParams{TaskID: task, Name: name, Comment: comment}, nil, completion{src: m.src, id: task})
}

// DataBase is the client handle of one data base. Its trees are mirrored
// only while it is entered, on a dispatcher of its own.
type DataBase struct {
	c    *Context
	dbs  *DataBases
	name string

	mu sync.Mutex
	st *entered
}

type entered struct {
	d      *dispatch.Dispatcher
	src    *source
	types  *Collection[core.TypeInfo]
	tables *Collection[core.TableInfo]
}

func (st *entered) apply(ctx context.Context, cb protocol.Callback) error {
	switch cb.Target {
	case core.TargetTypes:
		return st.types.apply(ctx, cb)
	case core.TargetTables:
		return st.tables.apply(ctx, cb)
	}
	return fmt.Errorf("target %q: %w", cb.Target, core.ErrProtocolViolation)
}

func (db *DataBase) Name() string { return db.name }

// Info returns the mirrored description of the data base.
func (db *DataBase) Info(ctx context.Context) (core.DataBaseInfo, error) {
	return dispatch.InvokeValue(ctx, db.c.d, func(context.Context) (core.DataBaseInfo, error) {
		info, ok := db.dbs.infos[db.name]
		if !ok {
			return core.DataBaseInfo{}, fmt.Errorf("data base %s: %w", db.name, core.ErrNotFound)
		}
		return info.Clone(), nil
	})
}

func (db *DataBase) state() (*entered, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.st == nil {
		return nil, fmt.Errorf("data base %s is not entered: %w", db.name, core.ErrConflict)
	}
	return db.st, nil
}

// IsEntered reports whether the trees of the data base are mirrored.
func (db *DataBase) IsEntered() bool {
	_, err := db.state()
	return err == nil
}

// Types returns the types tree. The data base must be entered.
func (db *DataBase) Types() (*Collection[core.TypeInfo], error) {
	st, err := db.state()
	if err != nil {
		return nil, err
	}
	return st.types, nil
}

// Tables returns the tables tree. The data base must be entered.
func (db *DataBase) Tables() (*Collection[core.TableInfo], error) {
	st, err := db.state()
	if err != nil {
		return nil, err
	}
	return st.tables, nil
}

// Enter subscribes to the data base source and mirrors both trees.
func (db *DataBase) Enter(ctx context.Context) error {
	if db.IsEntered() {
		return fmt.Errorf("data base %s: entered: %w", db.name, core.ErrAlreadyExists)
	}
	if err := db.c.auth.Verify(); err != nil {
		return err
	}
	ctx, cancel := db.c.auth.Bind(ctx)
	defer cancel()

	task := taskFrom(ctx)
	entry := db.c.expect(ctx, completion{src: db.dbs.src, id: task})
	var res protocol.EnterResult
	if err := db.c.call(ctx, protocol.MethodEnter, protocol.DataBaseParams{TaskID: task, Name: db.name}, &res); err != nil {
		entry.forget(ctx, 0)
		return err
	}

	st := &entered{d: dispatch.New("client."+protocol.DataBaseSource(db.name), dispatch.WithLogger(db.c.logger))}
	src := func() *source { return st.src }
	st.types = newCollection[core.TypeInfo](db.c, st.d, db.name, core.TargetTypes, src)
	st.tables = newCollection[core.TableInfo](db.c, st.d, db.name, core.TargetTables, src)
	err := st.d.Invoke(ctx, func(ctx context.Context) error {
		if err := st.types.reset(ctx, res.Types); err != nil {
			return err
		}
		return st.tables.reset(ctx, res.Tables)
	})
	if err == nil {
		st.src, err = db.c.addSource(protocol.DataBaseSource(db.name), st.d, res.Next, st.apply, func(ctx context.Context) {
			db.mu.Lock()
			if db.st == st {
				db.st = nil
			}
			db.mu.Unlock()
			st.d.Close(ctx)
		})
	}
	if err != nil {
		entry.forget(ctx, 0)
		st.d.Close(ctx)
		_ = db.c.call(ctx, protocol.MethodLeave, protocol.DataBaseParams{TaskID: core.NewTaskID(), Name: db.name}, nil)
		return err
	}

	db.mu.Lock()
	db.st = st
	db.mu.Unlock()
	db.c.logger.Debug("data base entered", "name", db.name, "next", res.Next)
	return entry.wait(ctx, protocol.MethodEnter)
}

// Leave stops mirroring the data base.
func (db *DataBase) Leave(ctx context.Context) error {
	st, err := db.state()
	if err != nil {
		return err
	}
	task := taskFrom(ctx)
	err = db.c.write(ctx, protocol.MethodLeave, protocol.DataBaseParams{TaskID: task, Name: db.name}, nil, completion{src: db.dbs.src, id: task})
	db.c.teardown(ctx, st.src)
	return err
}

// drop forgets the mirror after the host unsubscribed the data base source.
func (db *DataBase) drop(ctx context.Context) {
	db.mu.Lock()
	st := db.st
	db.mu.Unlock()
	if st != nil {
		db.c.teardown(ctx, st.src)
	}
}

func (db *DataBase) send(ctx context.Context, method, comment string) error {
	task := taskFrom(ctx)
	return db.c.write(ctx, method, protocol.DataBaseParams{TaskID: task, Name: db.name, Comment: comment}, nil, completion{src: db.dbs.src, id: task})
}

func (db *DataBase) Load(ctx context.Context) error {
	return db.send(ctx, protocol.MethodLoadDataBase, "")
}

// Unload unloads the data base on the host. Entered clients stop mirroring it.
func (db *DataBase) Unload(ctx context.Context) error {
	return db.send(ctx, protocol.MethodUnloadDataBase, "")
}

// Delete removes an unloaded data base.
func (db *DataBase) Delete(ctx context.Context) error {
	return db.send(ctx, protocol.MethodDeleteDataBase, "")
}

// Lock places a data-base level lock with comment.
func (db *DataBase) Lock(ctx context.Context, comment string) error {
	return db.send(ctx, protocol.MethodLockDataBase, comment)
}

func (db *DataBase) Unlock(ctx context.Context) error {
	return db.send(ctx, protocol.MethodUnlockDataBase, "")
}

// BeginTransaction locks the data base for a transaction of this context.
func (db *DataBase) BeginTransaction(ctx context.Context) (*Transaction, error) {
	task := taskFrom(ctx)
	var res protocol.TransactionResult
	err := db.c.write(ctx, protocol.MethodBeginTransaction, protocol.TransactionParams{TaskID: task, DataBase: db.name}, &res, completion{src: db.dbs.src, id: task})
	if err != nil {
		return nil, err
	}
	return &Transaction{db: db, id: res.ID}, nil
}

// Transaction groups the writes made to one data base while it holds the
// data-base lock.
type Transaction struct {
	db *DataBase
	id uuid.UUID

	mu     sync.Mutex
	ending bool
	ended  bool
}

// ID is the transaction id, also the comment of its lock.
func (tx *Transaction) ID() uuid.UUID { return tx.id }

// end runs send once no other end is in flight. The transaction counts as
// ended only when the host acknowledged, or no longer knows it.
func (tx *Transaction) end(send func() error) error {
	tx.mu.Lock()
	switch {
	case tx.ended:
		tx.mu.Unlock()
		return fmt.Errorf("transaction %s ended: %w", tx.id, core.ErrNotFound)
	case tx.ending:
		tx.mu.Unlock()
		return fmt.Errorf("transaction %s is ending: %w", tx.id, core.ErrConflict)
	}
	tx.ending = true
	tx.mu.Unlock()

	err := send()

	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.ending = false
	if err == nil || errors.Is(err, core.ErrNotFound) {
		tx.ended = true
	}
	return err
}

// Commit keeps the changes and releases the lock.
func (tx *Transaction) Commit(ctx context.Context) error {
	return tx.end(func() error {
		task := taskFrom(ctx)
		return tx.db.c.write(ctx, protocol.MethodCommitTransaction,
			protocol.TransactionParams{TaskID: task, DataBase: tx.db.name, ID: tx.id}, nil,
			completion{src: tx.db.dbs.src, id: task})
	})
}

// Rollback restores both trees as they were at begin and releases the lock.
// An entered data base also waits for the reset of its tables mirror.
func (tx *Transaction) Rollback(ctx context.Context) error {
	return tx.end(func() error {
		task := taskFrom(ctx)
		waits := []completion{{src: tx.db.dbs.src, id: task}}
		if st, err := tx.db.state(); err == nil {
			waits = append(waits, completion{src: st.src, id: protocol.Derive(task, protocol.PartReset)})
		}
		return tx.db.c.write(ctx, protocol.MethodRollbackTransaction,
			protocol.TransactionParams{TaskID: task, DataBase: tx.db.name, ID: tx.id}, nil, waits...)
	})
}
