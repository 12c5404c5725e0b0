package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/aretw0/tessera/pkg/codec"
	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/dispatch"
	"github.com/aretw0/tessera/pkg/protocol"
	"github.com/aretw0/tessera/pkg/tree"
)

// DataBaseContext owns the data-base list and the databases source.
// Name lookups are safe from any dispatcher; everything else runs on d.
type DataBaseContext struct {
	host   *Host
	d      *dispatch.Dispatcher
	bc     *Broadcaster
	ser    codec.Serializer
	logger *slog.Logger

	mu     sync.RWMutex
	byName map[string]*DataBase
}

// DataBase is one data base of the host. Its record, its entered users and
// its transaction belong to the context dispatcher; the loaded state has a
// dispatcher of its own.
type DataBase struct {
	dbs  *DataBaseContext
	name string

	info    core.DataBaseInfo
	entered map[string]*login
	tx      *Transaction

	mu sync.RWMutex
	st *loaded
}

// Transaction is the lock a user holds on a data base between Begin and
// Commit or Rollback, with the trees as they were at Begin.
type Transaction struct {
	ID   uuid.UUID
	Auth *core.Authentication

	types  core.Snapshot[core.TypeInfo]
	tables core.Snapshot[core.TableInfo]
}

// loaded is the state of a loaded data base. Fields below d belong to it.
type loaded struct {
	name   string
	d      *dispatch.Dispatcher
	bc     *Broadcaster
	types  *Collection[core.TypeInfo]
	tables *Collection[core.TableInfo]

	lock    core.LockInfo
	editing map[string]int
}

func newDataBaseContext(h *Host) *DataBaseContext {
	d := dispatch.New(protocol.SourceDataBases, dispatch.WithLogger(h.logger))
	return &DataBaseContext{
		host:   h,
		d:      d,
		bc:     NewBroadcaster(protocol.SourceDataBases, d, h.logger),
		ser:    codec.NewYAMLSerializer(true),
		logger: h.logger.With("context", "databases"),
		byName: make(map[string]*DataBase),
	}
}

// load reads every data-base record. Data bases start unloaded.
func (c *DataBaseContext) load(ctx context.Context) error {
	var infos []core.DataBaseInfo
	err := c.host.wlog.View(ctx, func(store core.Store) error {
		files, err := store.List(DataBasesDir)
		if err != nil {
			return err
		}
		for _, f := range files {
			name, file, ok := strings.Cut(strings.TrimPrefix(f, DataBasesDir+"/"), "/")
			if !ok || file != DataBaseFile {
				continue
			}
			data, err := store.Read(f)
			if err != nil {
				return err
			}
			var rec dataBaseRecord
			if err := c.ser.Decode(data, &rec); err != nil {
				return fmt.Errorf("%s: %w", f, err)
			}
			infos = append(infos, core.DataBaseInfo{Name: name, Comment: rec.Comment, Access: rec.Access, Lock: rec.Lock})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load data bases: %w", err)
	}
	return c.d.Invoke(ctx, func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, info := range infos {
			c.byName[info.Name] = c.newDataBase(info)
		}
		return nil
	})
}

func (c *DataBaseContext) newDataBase(info core.DataBaseInfo) *DataBase {
	return &DataBase{dbs: c, name: info.Name, info: info, entered: make(map[string]*login)}
}

// lookup finds a data base by name from any dispatcher.
func (c *DataBaseContext) lookup(name string) (*DataBase, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	db, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("data base %s: %w", name, core.ErrNotFound)
	}
	return db, nil
}

func (c *DataBaseContext) sorted() []*DataBase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*DataBase, 0, len(c.byName))
	for _, db := range c.byName {
		out = append(out, db)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Name returns the data base name.
func (db *DataBase) Name() string { return db.name }

// state returns the loaded state, or a conflict when the data base is not
// loaded.
func (db *DataBase) state() (*loaded, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.st == nil {
		return nil, fmt.Errorf("data base %s is not loaded: %w", db.name, core.ErrConflict)
	}
	return db.st, nil
}

// Loaded reports whether the data base is loaded.
func (db *DataBase) Loaded() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.st != nil
}

// snapshot runs on the context dispatcher.
func (db *DataBase) snapshot() core.DataBaseInfo {
	info := db.info.Clone()
	info.Loaded = db.Loaded()
	seen := make(map[string]bool)
	info.Users = nil
	for _, l := range db.entered {
		if !seen[l.auth.UserID] {
			seen[l.auth.UserID] = true
			info.Users = append(info.Users, l.auth.UserID)
		}
	}
	sort.Strings(info.Users)
	return info
}

func (c *DataBaseContext) newLoaded(db *DataBase) *loaded {
	h := c.host
	d := dispatch.New(protocol.DataBaseSource(db.name), dispatch.WithLogger(h.logger))
	st := &loaded{
		name:    db.name,
		d:       d,
		bc:      NewBroadcaster(protocol.DataBaseSource(db.name), d, h.logger),
		lock:    db.info.Lock,
		editing: make(map[string]int),
	}
	policy := func(target string) Policy {
		return Policy{
			Guard:   st.guard,
			Editing: func(p string) bool { return st.isEditing(target, p) },
		}
	}
	root := dataBaseDir(db.name)
	st.types = newCollection[core.TypeInfo](core.TargetTypes, db.name+"/"+core.TargetTypes, root+core.TargetTypes, d, h.wlog, st.bc, policy(core.TargetTypes), h.logger)
	st.tables = newCollection[core.TableInfo](core.TargetTables, db.name+"/"+core.TargetTables, root+core.TargetTables, d, h.wlog, st.bc, policy(core.TargetTables), h.logger)
	return st
}

func (st *loaded) guard(ctx context.Context, auth *core.Authentication) error {
	if st.lock.Blocks(auth) {
		return fmt.Errorf("data base %s locked by %s: %w", st.name, st.lock.UserID, core.ErrLocked)
	}
	return nil
}

func editingKey(target, path string) string {
	return target + ":" + path
}

func (st *loaded) isEditing(target, p string) bool {
	key := editingKey(target, p)
	if !tree.IsCategoryPath(p) {
		return st.editing[key] > 0
	}
	for k := range st.editing {
		if strings.HasPrefix(k, key) {
			return true
		}
	}
	return false
}

// beginEditing marks an item as covered by an open domain.
func (st *loaded) beginEditing(ctx context.Context, target, path string) error {
	return st.d.Invoke(ctx, func(context.Context) error {
		st.editing[editingKey(target, path)]++
		return nil
	})
}

// endEditing balances beginEditing.
func (st *loaded) endEditing(ctx context.Context, target, path string) error {
	return st.d.Invoke(ctx, func(context.Context) error {
		key := editingKey(target, path)
		n := st.editing[key]
		if n == 0 {
			return fmt.Errorf("end editing %s without begin: %w", key, core.ErrProtocolViolation)
		}
		if n == 1 {
			delete(st.editing, key)
		} else {
			st.editing[key] = n - 1
		}
		return nil
	})
}

func (st *loaded) setLock(ctx context.Context, lock core.LockInfo) error {
	return st.d.Invoke(ctx, func(context.Context) error {
		st.lock = lock
		return nil
	})
}

// Types returns the types collection of a loaded data base.
func (db *DataBase) Types() (*Collection[core.TypeInfo], error) {
	st, err := db.state()
	if err != nil {
		return nil, err
	}
	return st.types, nil
}

// Tables returns the tables collection of a loaded data base.
func (db *DataBase) Tables() (*Collection[core.TableInfo], error) {
	st, err := db.state()
	if err != nil {
		return nil, err
	}
	return st.tables, nil
}

// Get returns the data base called name.
func (c *DataBaseContext) Get(name string) (*DataBase, error) {
	return c.lookup(name)
}

// Subscribe adds s to the databases source and returns the matching
// snapshot.
func (c *DataBaseContext) Subscribe(ctx context.Context, s *Session) (protocol.DataBasesSnapshot, error) {
	return dispatch.InvokeValue(ctx, c.d, func(ctx context.Context) (protocol.DataBasesSnapshot, error) {
		next, err := c.bc.Subscribe(ctx, s)
		if err != nil {
			return protocol.DataBasesSnapshot{}, err
		}
		out := protocol.DataBasesSnapshot{Next: next}
		for _, db := range c.sorted() {
			out.DataBases = append(out.DataBases, db.snapshot())
		}
		return out, nil
	})
}

func requireAdmin(auth *core.Authentication, what string) error {
	if err := auth.Verify(); err != nil {
		return err
	}
	if !auth.IsAdmin() {
		return fmt.Errorf("%s is administrator only: %w", what, core.ErrPermissionDenied)
	}
	return nil
}

// canLock reports whether auth may lock db or open a transaction on it.
func (db *DataBase) canLock(auth *core.Authentication) error {
	if err := auth.Verify(); err != nil {
		return err
	}
	if auth.Authority == core.AuthorityGuest {
		return fmt.Errorf("guest %s cannot lock %s: %w", auth.UserID, db.name, core.ErrPermissionDenied)
	}
	if got := core.EffectiveAccess(db.info.Access, auth); got < core.AccessMaster {
		return fmt.Errorf("%s on data base %s holds %s access: %w", auth.UserID, db.name, got, core.ErrPermissionDenied)
	}
	return nil
}

func (c *DataBaseContext) writeInfo(ctx context.Context, auth *core.Authentication, subject string, info core.DataBaseInfo) (*Lease, error) {
	return c.host.wlog.Append(ctx, Entry{
		Auth:    auth,
		Paths:   []string{dataBaseFile(info.Name)},
		Message: FormatCommitMessage(CommitTypeChore, DataBasesDir, subject, "", auth.UserID),
		Write: func(store core.Store) error {
			return writeDataBase(c.ser, store, info)
		},
	})
}

func (c *DataBaseContext) emit(ctx context.Context, kind string, task core.TaskID, auth *core.Authentication, db *DataBase) error {
	return c.bc.Emit(ctx, Event{Kind: kind, Target: db.name, TaskIDs: tasks(task), UserID: auth.UserID, Data: db.snapshot()})
}

// AddNewDataBase creates an empty, unloaded data base.
func (c *DataBaseContext) AddNewDataBase(ctx context.Context, auth *core.Authentication, task core.TaskID, name, comment string) error {
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		if err := requireAdmin(auth, "adding a data base"); err != nil {
			return err
		}
		if err := tree.ValidateName(name); err != nil {
			return err
		}
		if _, err := c.lookup(name); err == nil {
			return fmt.Errorf("data base %s: %w", name, core.ErrAlreadyExists)
		}

		info := core.DataBaseInfo{Name: name, Comment: comment}
		root := dataBaseDir(name)
		lease, err := c.host.wlog.Append(ctx, Entry{
			Auth:    auth,
			Paths:   []string{root},
			Message: FormatCommitMessage(CommitTypeFeat, DataBasesDir, "add "+name, "", auth.UserID),
			Write: func(store core.Store) error {
				if err := writeDataBase(c.ser, store, info); err != nil {
					return err
				}
				for _, target := range []string{core.TargetTypes, core.TargetTables} {
					r := newRecords(root + target)
					if err := r.writeCategory(store, tree.RootPath, core.AccessInfo{}, core.LockInfo{}); err != nil {
						return err
					}
				}
				return nil
			},
		})
		if err != nil {
			return err
		}
		defer lease.Release()

		db := c.newDataBase(info)
		c.mu.Lock()
		c.byName[name] = db
		c.mu.Unlock()
		c.logger.Info("data base added", "name", name, "user", auth.UserID)
		return c.emit(ctx, protocol.KindDataBaseCreated, task, auth, db)
	})
}

// DeleteDataBase removes an unloaded data base and cancels the domains left
// on it.
func (c *DataBaseContext) DeleteDataBase(ctx context.Context, auth *core.Authentication, task core.TaskID, name string) error {
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		if err := requireAdmin(auth, "deleting a data base"); err != nil {
			return err
		}
		db, err := c.lookup(name)
		if err != nil {
			return err
		}
		if db.Loaded() {
			return fmt.Errorf("data base %s is loaded: %w", name, core.ErrConflict)
		}
		lease, err := c.host.wlog.Append(ctx, Entry{
			Auth:    auth,
			Paths:   []string{dataBaseDir(name)},
			Message: FormatCommitMessage(CommitTypeChore, DataBasesDir, "delete "+name, "", auth.UserID),
			Write: func(store core.Store) error {
				return store.Delete(dataBaseDir(name))
			},
		})
		if err != nil {
			return err
		}
		defer lease.Release()

		if err := c.host.domains.dropDataBase(ctx, name); err != nil {
			c.logger.Warn("domains of a deleted data base", "name", name, "error", err)
		}
		c.mu.Lock()
		delete(c.byName, name)
		c.mu.Unlock()
		c.logger.Info("data base deleted", "name", name, "user", auth.UserID)
		return c.emit(ctx, protocol.KindDataBaseDeleted, task, auth, db)
	})
}

// Load reads the trees of a data base and starts its dispatcher. Domains
// left running on it are attached again.
func (c *DataBaseContext) Load(ctx context.Context, auth *core.Authentication, task core.TaskID, name string) error {
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		if err := requireAdmin(auth, "loading a data base"); err != nil {
			return err
		}
		db, err := c.lookup(name)
		if err != nil {
			return err
		}
		if db.Loaded() {
			return fmt.Errorf("data base %s is loaded: %w", name, core.ErrSameValue)
		}
		if err := c.open(ctx, db); err != nil {
			return err
		}
		c.logger.Info("data base loaded", "name", name, "user", auth.UserID)
		return c.emit(ctx, protocol.KindDataBaseLoaded, task, auth, db)
	})
}

func (c *DataBaseContext) open(ctx context.Context, db *DataBase) error {
	st := c.newLoaded(db)
	if err := st.types.load(ctx); err != nil {
		st.d.Close(ctx)
		return err
	}
	if err := st.tables.load(ctx); err != nil {
		st.d.Close(ctx)
		return err
	}
	if rev, err := c.host.wlog.Revision(ctx); err == nil {
		db.info.Revision = rev
	}
	db.mu.Lock()
	db.st = st
	db.mu.Unlock()

	if err := c.host.domains.attach(ctx, db.name); err != nil {
		c.logger.Warn("attach domains", "name", db.name, "error", err)
	}
	return nil
}

// Unload detaches the domains of a data base and disposes its dispatcher
// after draining it. Entered sessions are unsubscribed.
func (c *DataBaseContext) Unload(ctx context.Context, auth *core.Authentication, task core.TaskID, name string) error {
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		if err := requireAdmin(auth, "unloading a data base"); err != nil {
			return err
		}
		db, err := c.lookup(name)
		if err != nil {
			return err
		}
		if !db.Loaded() {
			return fmt.Errorf("data base %s is not loaded: %w", name, core.ErrSameValue)
		}
		if db.tx != nil {
			return fmt.Errorf("data base %s has transaction %s: %w", name, db.tx.ID, core.ErrLocked)
		}
		c.close(ctx, db)
		c.logger.Info("data base unloaded", "name", name, "user", auth.UserID)
		return c.emit(ctx, protocol.KindDataBaseUnloaded, task, auth, db)
	})
}

func (c *DataBaseContext) close(ctx context.Context, db *DataBase) {
	st, err := db.state()
	if err != nil {
		return
	}
	if err := c.host.domains.detach(ctx, db.name); err != nil {
		c.logger.Warn("detach domains", "name", db.name, "error", err)
	}
	_ = st.d.Invoke(ctx, func(ctx context.Context) error {
		return st.bc.Clear(ctx)
	})
	db.entered = make(map[string]*login)
	db.mu.Lock()
	db.st = nil
	db.mu.Unlock()
	st.d.Close(ctx)
}

// Lock places a data-base level lock.
func (c *DataBaseContext) Lock(ctx context.Context, auth *core.Authentication, task core.TaskID, name, comment string) error {
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		db, err := c.lookup(name)
		if err != nil {
			return err
		}
		if err := db.canLock(auth); err != nil {
			return err
		}
		if db.info.Lock.Locked {
			return fmt.Errorf("data base %s locked by %s: %w", name, db.info.Lock.UserID, core.ErrLocked)
		}
		return c.setLock(ctx, auth, task, db, core.NewLock(auth, comment), protocol.KindDataBaseLocked)
	})
}

// Unlock removes the data-base lock. Only its holder or an administrator
// may do so.
func (c *DataBaseContext) Unlock(ctx context.Context, auth *core.Authentication, task core.TaskID, name string) error {
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		if err := auth.Verify(); err != nil {
			return err
		}
		db, err := c.lookup(name)
		if err != nil {
			return err
		}
		if !db.info.Lock.Locked {
			return fmt.Errorf("data base %s is not locked: %w", name, core.ErrSameValue)
		}
		if db.info.Lock.UserID != auth.UserID && !auth.IsAdmin() {
			return fmt.Errorf("data base %s locked by %s: %w", name, db.info.Lock.UserID, core.ErrLocked)
		}
		return c.setLock(ctx, auth, task, db, core.LockInfo{}, protocol.KindDataBaseUnlocked)
	})
}

func (c *DataBaseContext) setLock(ctx context.Context, auth *core.Authentication, task core.TaskID, db *DataBase, lock core.LockInfo, kind string) error {
	next := db.info.Clone()
	next.Lock = lock
	verb := "unlock "
	if lock.Locked {
		verb = "lock "
	}
	lease, err := c.writeInfo(ctx, auth, verb+db.name, next)
	if err != nil {
		return err
	}
	defer lease.Release()

	db.info.Lock = lock
	if st, err := db.state(); err == nil {
		if err := st.setLock(ctx, lock); err != nil {
			return err
		}
	}
	return c.emit(ctx, kind, task, auth, db)
}

// Enter subscribes s to the data base source and returns both trees with the
// index of the next callback.
func (c *DataBaseContext) Enter(ctx context.Context, s *Session, auth *core.Authentication, task core.TaskID, name string) (protocol.EnterResult, error) {
	return dispatch.InvokeValue(ctx, c.d, func(ctx context.Context) (protocol.EnterResult, error) {
		if err := auth.Verify(); err != nil {
			return protocol.EnterResult{}, err
		}
		db, err := c.lookup(name)
		if err != nil {
			return protocol.EnterResult{}, err
		}
		st, err := db.state()
		if err != nil {
			return protocol.EnterResult{}, err
		}
		if core.EffectiveAccess(db.info.Access, auth) < core.AccessGuest {
			return protocol.EnterResult{}, fmt.Errorf("%s cannot enter %s: %w", auth.UserID, name, core.ErrPermissionDenied)
		}
		if _, ok := db.entered[auth.ID]; ok {
			return protocol.EnterResult{}, fmt.Errorf("%s already entered %s: %w", auth.UserID, name, core.ErrAlreadyExists)
		}

		res, err := dispatch.InvokeValue(ctx, st.d, func(ctx context.Context) (protocol.EnterResult, error) {
			next, err := st.bc.Subscribe(ctx, s)
			if err != nil {
				return protocol.EnterResult{}, err
			}
			return protocol.EnterResult{
				Types:  st.types.tree.Snapshot(),
				Tables: st.tables.tree.Snapshot(),
				Next:   next,
			}, nil
		})
		if err != nil {
			return res, err
		}
		db.entered[auth.ID] = &login{auth: auth, session: s}
		res.Info = db.snapshot()
		return res, c.emit(ctx, protocol.KindDataBaseEntered, task, auth, db)
	})
}

// Leave unsubscribes the session of auth from the data base source.
func (c *DataBaseContext) Leave(ctx context.Context, s *Session, auth *core.Authentication, task core.TaskID, name string) error {
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		if err := auth.Verify(); err != nil {
			return err
		}
		db, err := c.lookup(name)
		if err != nil {
			return err
		}
		l, ok := db.entered[auth.ID]
		if !ok || l.session != s {
			return fmt.Errorf("%s has not entered %s: %w", auth.UserID, name, core.ErrNotFound)
		}
		return c.leave(ctx, db, auth, task)
	})
}

func (c *DataBaseContext) leave(ctx context.Context, db *DataBase, auth *core.Authentication, task core.TaskID) error {
	l := db.entered[auth.ID]
	delete(db.entered, auth.ID)
	shared := false
	for _, other := range db.entered {
		if other.session == l.session {
			shared = true
			break
		}
	}
	if st, err := db.state(); err == nil && !shared {
		err := st.d.Invoke(ctx, func(ctx context.Context) error {
			return st.bc.Unsubscribe(ctx, l.session)
		})
		if err != nil {
			return err
		}
	}
	return c.emit(ctx, protocol.KindDataBaseLeft, task, auth, db)
}

// release leaves every data base auth entered and rolls back its
// transactions on its behalf.
func (c *DataBaseContext) release(ctx context.Context, auth *core.Authentication) error {
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		var errs []error
		for _, db := range c.sorted() {
			if db.tx != nil && db.tx.Auth.ID == auth.ID {
				c.logger.Info("rolling back abandoned transaction", "name", db.name, "transaction", db.tx.ID, "user", auth.UserID)
				if err := c.rollback(ctx, core.System, core.TaskID{}, db, db.tx); err != nil {
					errs = append(errs, err)
				}
			}
			if _, ok := db.entered[auth.ID]; ok {
				if err := c.leave(ctx, db, auth, core.TaskID{}); err != nil {
					errs = append(errs, err)
				}
			}
		}
		return errors.Join(errs...)
	})
}

// BeginTransaction locks the data base with the transaction id as comment
// and captures both trees.
func (c *DataBaseContext) BeginTransaction(ctx context.Context, auth *core.Authentication, task core.TaskID, name string) (uuid.UUID, error) {
	return dispatch.InvokeValue(ctx, c.d, func(ctx context.Context) (uuid.UUID, error) {
		db, err := c.lookup(name)
		if err != nil {
			return uuid.Nil, err
		}
		st, err := db.state()
		if err != nil {
			return uuid.Nil, err
		}
		if err := db.canLock(auth); err != nil {
			return uuid.Nil, err
		}
		if db.tx != nil {
			return uuid.Nil, fmt.Errorf("data base %s has transaction %s: %w", name, db.tx.ID, core.ErrLocked)
		}
		if db.info.Lock.Locked {
			return uuid.Nil, fmt.Errorf("data base %s locked by %s: %w", name, db.info.Lock.UserID, core.ErrLocked)
		}

		tx := &Transaction{ID: uuid.New(), Auth: auth}
		err = st.d.Invoke(ctx, func(context.Context) error {
			tx.types = st.types.tree.Snapshot()
			tx.tables = st.tables.tree.Snapshot()
			return nil
		})
		if err != nil {
			return uuid.Nil, err
		}
		if err := c.setLock(ctx, auth, task, db, core.NewLock(auth, tx.ID.String()), protocol.KindDataBaseLocked); err != nil {
			return uuid.Nil, err
		}
		db.tx = tx
		c.logger.Info("transaction begun", "name", name, "transaction", tx.ID, "user", auth.UserID)
		return tx.ID, nil
	})
}

func (db *DataBase) transaction(auth *core.Authentication, id uuid.UUID) (*Transaction, error) {
	if db.tx == nil || db.tx.ID != id {
		return nil, fmt.Errorf("transaction %s on %s: %w", id, db.name, core.ErrNotFound)
	}
	if auth != core.System && db.tx.Auth.ID != auth.ID {
		return nil, fmt.Errorf("transaction %s belongs to %s: %w", id, db.tx.Auth.UserID, core.ErrPermissionDenied)
	}
	return db.tx, nil
}

// CommitTransaction keeps every change made since Begin and releases the
// lock.
func (c *DataBaseContext) CommitTransaction(ctx context.Context, auth *core.Authentication, task core.TaskID, name string, id uuid.UUID) error {
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		if err := auth.Verify(); err != nil {
			return err
		}
		db, err := c.lookup(name)
		if err != nil {
			return err
		}
		tx, err := db.transaction(auth, id)
		if err != nil {
			return err
		}
		db.tx = nil
		c.logger.Info("transaction committed", "name", name, "transaction", tx.ID, "user", auth.UserID)
		return c.endTransaction(ctx, auth, task, db, tx)
	})
}

// RollbackTransaction writes both trees back as they were at Begin and
// releases the lock. The tables reset carries the reset part of task, the
// unlock carries task itself.
func (c *DataBaseContext) RollbackTransaction(ctx context.Context, auth *core.Authentication, task core.TaskID, name string, id uuid.UUID) error {
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		if err := auth.Verify(); err != nil {
			return err
		}
		db, err := c.lookup(name)
		if err != nil {
			return err
		}
		tx, err := db.transaction(auth, id)
		if err != nil {
			return err
		}
		return c.rollback(ctx, auth, task, db, tx)
	})
}

func (c *DataBaseContext) rollback(ctx context.Context, auth *core.Authentication, task core.TaskID, db *DataBase, tx *Transaction) error {
	st, err := db.state()
	if err != nil {
		return err
	}
	subject := "rollback " + tx.ID.String()
	current, err := st.types.Snapshot(ctx)
	if err != nil {
		return err
	}
	if err := st.types.reset(ctx, auth, core.TaskID{}, subject, tx.types); err != nil {
		return err
	}
	if err := st.tables.reset(ctx, auth, derive(task, protocol.PartReset), subject, tx.tables); err != nil {
		// Types go back to where the transaction left them; it stays open.
		if rerr := st.types.reset(ctx, auth, core.TaskID{}, "restore types of "+tx.ID.String(), current); rerr != nil {
			c.logger.Error("types restore failed", "name", db.name, "transaction", tx.ID, "error", rerr)
			return errors.Join(err, rerr)
		}
		return err
	}
	db.tx = nil
	c.logger.Info("transaction rolled back", "name", db.name, "transaction", tx.ID, "user", auth.UserID)
	return c.endTransaction(ctx, auth, task, db, tx)
}

// endTransaction unlocks the data base only when the lock is still the one
// the transaction placed.
func (c *DataBaseContext) endTransaction(ctx context.Context, auth *core.Authentication, task core.TaskID, db *DataBase, tx *Transaction) error {
	if db.info.Lock.Locked && db.info.Lock.Comment == tx.ID.String() {
		next := db.info.Clone()
		next.Lock = core.LockInfo{}
		lease, err := c.writeInfo(ctx, auth, "end transaction "+tx.ID.String(), next)
		if err != nil {
			return err
		}
		defer lease.Release()
		db.info.Lock = core.LockInfo{}
		if st, err := db.state(); err == nil {
			if err := st.setLock(ctx, core.LockInfo{}); err != nil {
				return err
			}
		}
	} else {
		c.logger.Warn("transaction lock superseded", "name", db.name, "transaction", tx.ID, "lock", db.info.Lock.Comment)
	}
	return c.emit(ctx, protocol.KindTransactionEnded, task, auth, db)
}

// derive returns the id of a secondary callback of task, or the zero id when
// nobody waits for task.
func derive(task core.TaskID, part string) core.TaskID {
	if task == (core.TaskID{}) {
		return task
	}
	return protocol.Derive(task, part)
}

func (c *DataBaseContext) closeAll(ctx context.Context) {
	err := c.d.Invoke(ctx, func(ctx context.Context) error {
		for _, db := range c.sorted() {
			c.close(ctx, db)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("closing data bases", "error", err)
	}
	c.d.Close(ctx)
}
