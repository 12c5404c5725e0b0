package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/aretw0/tessera/pkg/adapters/memory"
	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/protocol"
	"github.com/aretw0/tessera/pkg/server"
	"github.com/aretw0/tessera/pkg/transport/local"
	"github.com/aretw0/tessera/pkg/tree"
)

const adminPassword = "admin-secret"

type fixture struct {
	t    *testing.T
	ctx  context.Context
	host *server.Host
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	h, err := server.Open(ctx, server.Config{
		Name:        "test",
		Store:       memory.NewStore(),
		Credentials: server.BcryptCredentials{Cost: bcrypt.MinCost},
		Secret:      []byte("0123456789abcdef0123456789abcdef"),
		Admin:       server.AdminConfig{ID: "admin", Name: "Administrator", Password: []byte(adminPassword)},
	})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close(context.Background()) })
	return &fixture{t: t, ctx: ctx, host: h}
}

func (f *fixture) open(userID, password string, opts ...Option) *Context {
	f.t.Helper()
	c, err := Open(f.ctx, local.New(f.host), userID, []byte(password), opts...)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func (f *fixture) admin(opts ...Option) *Context {
	return f.open("admin", adminPassword, opts...)
}

func (f *fixture) member(admin *Context, id string) *Context {
	f.t.Helper()
	require.NoError(f.t, admin.Users().AddNewUser(f.ctx, tree.RootPath, id, id, core.AuthorityMember, []byte(id+"-pw")))
	return f.open(id, id+"-pw")
}

// dataBase creates, loads and enters name through c.
func (f *fixture) dataBase(c *Context, name string) *DataBase {
	f.t.Helper()
	require.NoError(f.t, c.DataBases().AddNewDataBase(f.ctx, name, ""))
	db, err := c.DataBases().Get(f.ctx, name)
	require.NoError(f.t, err)
	require.NoError(f.t, db.Load(f.ctx))
	require.NoError(f.t, db.Enter(f.ctx))
	return db
}

func TestOpen_MirrorsUsers(t *testing.T) {
	f := newFixture(t)
	c := f.admin()

	assert.Equal(t, "test", c.Host().Name)
	item, err := c.Users().Collection().ItemByName(f.ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, "/admin", item.Path)
	assert.Equal(t, core.AuthorityAdmin, item.Payload.Authority)
	assert.Empty(t, item.Payload.Password, "password hashes never reach clients")

	online, err := c.Users().Online(f.ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, c.Authentication().ID, online[0].ID)
}

func TestOpen_WrongPassword(t *testing.T) {
	f := newFixture(t)
	_, err := Open(f.ctx, local.New(f.host), "admin", []byte("nope"))
	assert.ErrorIs(t, err, core.ErrPermissionDenied)
}

func TestCollection_WriteVisibleOnReturn(t *testing.T) {
	f := newFixture(t)
	admin := f.admin()
	other := f.member(admin, "u1")

	db := f.dataBase(admin, "main")
	tables, err := db.Tables()
	require.NoError(t, err)
	require.NoError(t, tables.AddNewCategory(f.ctx, tree.RootPath, "sales"))
	require.NoError(t, tables.AddNewItem(f.ctx, "/sales/", "orders", core.TableInfo{Comment: "o"}))
	require.NoError(t, tables.Rename(f.ctx, "/sales/orders", "invoices"))

	// No waiting: the write returned after its callback was applied here.
	item, err := tables.Item(f.ctx, "/sales/invoices")
	require.NoError(t, err)
	assert.Equal(t, "o", item.Payload.Comment)
	_, err = tables.Item(f.ctx, "/sales/orders")
	assert.ErrorIs(t, err, core.ErrNotFound)

	otherDB, err := other.DataBases().Get(f.ctx, "main")
	require.NoError(t, err)
	require.NoError(t, otherDB.Enter(f.ctx))
	otherTables, err := otherDB.Tables()
	require.NoError(t, err)
	item, err = otherTables.Item(f.ctx, "/sales/invoices")
	require.NoError(t, err, "the entered snapshot carries earlier writes")

	var (
		mu     sync.Mutex
		events []core.ItemsEvent
	)
	otherTables.Subscribe(core.ItemsMoved, func(_ context.Context, e core.ItemsEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})
	require.NoError(t, tables.AddNewCategory(f.ctx, tree.RootPath, "archive"))
	require.NoError(t, tables.Move(f.ctx, "/sales/invoices", "/archive/"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "/archive/invoices", events[0].Items[0].Path)
	assert.Equal(t, "/sales/invoices", events[0].Items[0].OldPath)
	assert.Equal(t, "admin", events[0].UserID)
	mu.Unlock()
	_, err = otherTables.Item(f.ctx, "/archive/invoices")
	assert.NoError(t, err)
}

func TestCollection_HostErrorsReachCaller(t *testing.T) {
	f := newFixture(t)
	admin := f.admin()
	db := f.dataBase(admin, "main")
	tables, err := db.Tables()
	require.NoError(t, err)

	require.NoError(t, tables.AddNewItem(f.ctx, tree.RootPath, "T", core.TableInfo{}))
	err = tables.AddNewItem(f.ctx, tree.RootPath, "T", core.TableInfo{})
	assert.ErrorIs(t, err, core.ErrAlreadyExists)
	err = tables.Rename(f.ctx, "/missing", "x")
	assert.ErrorIs(t, err, core.ErrNotFound)

	assert.Zero(t, admin.barrier.Pending(f.ctx), "failed writes forget their waiters")
}

func TestWithTask_LateWaitResolves(t *testing.T) {
	f := newFixture(t)
	admin := f.admin()
	db := f.dataBase(admin, "main")
	tables, err := db.Tables()
	require.NoError(t, err)

	task := core.TaskIDFor("create", "T")
	require.NoError(t, tables.AddNewItem(WithTask(f.ctx, task), tree.RootPath, "T", core.TableInfo{}))

	ctx, cancel := context.WithTimeout(f.ctx, time.Second)
	defer cancel()
	assert.NoError(t, admin.Wait(ctx, task), "a completed task is remembered for late waiters")
}

func TestDataBase_ReadsRequireEnter(t *testing.T) {
	f := newFixture(t)
	admin := f.admin()
	require.NoError(t, admin.DataBases().AddNewDataBase(f.ctx, "main", "primary"))

	list, err := admin.DataBases().List(f.ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "primary", list[0].Comment)
	assert.False(t, list[0].Loaded)

	db, err := admin.DataBases().Get(f.ctx, "main")
	require.NoError(t, err)
	_, err = db.Tables()
	assert.ErrorIs(t, err, core.ErrConflict)
	assert.ErrorIs(t, db.Enter(f.ctx), core.ErrConflict, "unloaded data bases cannot be entered")

	_, err = admin.DataBases().Get(f.ctx, "other")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDataBase_UnloadDropsMirror(t *testing.T) {
	f := newFixture(t)
	admin := f.admin()
	other := f.member(admin, "u1")
	db := f.dataBase(admin, "main")

	otherDB, err := other.DataBases().Get(f.ctx, "main")
	require.NoError(t, err)
	require.NoError(t, otherDB.Enter(f.ctx))

	require.NoError(t, db.Unload(f.ctx))
	assert.False(t, db.IsEntered(), "the unload completes after the local mirror is dropped")
	info, err := db.Info(f.ctx)
	require.NoError(t, err)
	assert.False(t, info.Loaded)
	assert.Eventually(t, func() bool { return !otherDB.IsEntered() }, time.Second, 5*time.Millisecond)

	require.NoError(t, db.Load(f.ctx))
	require.NoError(t, db.Enter(f.ctx), "a reloaded data base can be entered again")
}

func TestDataBase_LeaveThenEnter(t *testing.T) {
	f := newFixture(t)
	admin := f.admin()
	db := f.dataBase(admin, "main")

	require.NoError(t, db.Leave(f.ctx))
	assert.False(t, db.IsEntered())
	assert.ErrorIs(t, db.Leave(f.ctx), core.ErrConflict)
	require.NoError(t, db.Enter(f.ctx))
	assert.ErrorIs(t, db.Enter(f.ctx), core.ErrAlreadyExists)
}

func TestDataBase_EnterVisibleOnReturn(t *testing.T) {
	f := newFixture(t)
	admin := f.admin()
	db := f.dataBase(admin, "main")

	u1 := f.member(admin, "u1")
	db1, err := u1.DataBases().Get(f.ctx, "main")
	require.NoError(t, err)
	require.NoError(t, db1.Enter(f.ctx))
	info, err := db1.Info(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "u1"}, info.Users)

	require.NoError(t, db1.Leave(f.ctx))
	info, err = db1.Info(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, info.Users)

	info, err = db.Info(f.ctx)
	require.NoError(t, err)
	assert.Contains(t, info.Users, "admin")
}

func TestTransaction_RollbackRestoresMirror(t *testing.T) {
	f := newFixture(t)
	admin := f.admin()
	db := f.dataBase(admin, "main")
	tables, err := db.Tables()
	require.NoError(t, err)
	require.NoError(t, tables.AddNewItem(f.ctx, tree.RootPath, "kept", core.TableInfo{}))

	tx, err := db.BeginTransaction(f.ctx)
	require.NoError(t, err)
	info, err := db.Info(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, tx.ID().String(), info.Lock.Comment)

	require.NoError(t, tables.AddNewItem(f.ctx, tree.RootPath, "dropped", core.TableInfo{}))
	require.NoError(t, tables.Rename(f.ctx, "/kept", "renamed"))
	require.NoError(t, tx.Rollback(f.ctx))

	_, err = tables.Item(f.ctx, "/kept")
	assert.NoError(t, err, "rollback returns once the reset was mirrored")
	_, err = tables.Item(f.ctx, "/dropped")
	assert.ErrorIs(t, err, core.ErrNotFound)
	info, err = db.Info(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, info.Lock.UserID)

	assert.ErrorIs(t, tx.Commit(f.ctx), core.ErrNotFound)
}

func TestTransaction_Commit(t *testing.T) {
	f := newFixture(t)
	admin := f.admin()
	db := f.dataBase(admin, "main")
	tables, err := db.Tables()
	require.NoError(t, err)

	tx, err := db.BeginTransaction(f.ctx)
	require.NoError(t, err)
	_, err = db.BeginTransaction(f.ctx)
	assert.Error(t, err, "one transaction at a time")
	require.NoError(t, tables.AddNewItem(f.ctx, tree.RootPath, "T", core.TableInfo{}))
	require.NoError(t, tx.Commit(f.ctx))

	_, err = tables.Item(f.ctx, "/T")
	assert.NoError(t, err)
}

// dropping fails the next request for method without sending it.
type dropping struct {
	Transport
	method string
	armed  atomic.Bool
}

func (d *dropping) Call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if req.Method == d.method && d.armed.CompareAndSwap(true, false) {
		return protocol.Response{}, errors.New("connection reset")
	}
	return d.Transport.Call(ctx, req)
}

func TestTransaction_CommitRetriesAfterTransportFailure(t *testing.T) {
	f := newFixture(t)
	tr := &dropping{Transport: local.New(f.host), method: protocol.MethodCommitTransaction}
	admin, err := Open(f.ctx, tr, "admin", []byte(adminPassword))
	require.NoError(t, err)
	t.Cleanup(func() { admin.Close(context.Background()) })
	db := f.dataBase(admin, "main")
	tables, err := db.Tables()
	require.NoError(t, err)

	tx, err := db.BeginTransaction(f.ctx)
	require.NoError(t, err)
	require.NoError(t, tables.AddNewItem(f.ctx, tree.RootPath, "T", core.TableInfo{}))

	tr.armed.Store(true)
	require.Error(t, tx.Commit(f.ctx))
	info, err := db.Info(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, tx.ID().String(), info.Lock.Comment, "the host still holds the transaction")

	require.NoError(t, tx.Commit(f.ctx))
	info, err = db.Info(f.ctx)
	require.NoError(t, err)
	assert.False(t, info.Lock.Locked)
	_, err = tables.Item(f.ctx, "/T")
	assert.NoError(t, err)
	assert.ErrorIs(t, tx.Commit(f.ctx), core.ErrNotFound)
}

func TestEditor_EndEditWithTwoEditors(t *testing.T) {
	f := newFixture(t)
	admin := f.admin()
	db := f.dataBase(admin, "main")
	tables, err := db.Tables()
	require.NoError(t, err)
	require.NoError(t, tables.AddNewItem(f.ctx, tree.RootPath, "T", core.TableInfo{
		Columns: []core.Column{{Name: "name", DataType: "string", IsKey: true}, {Name: "size", DataType: "int"}},
	}))

	u1 := f.member(admin, "u1")
	u2 := f.member(admin, "u2")
	db1, err := u1.DataBases().Get(f.ctx, "main")
	require.NoError(t, err)
	require.NoError(t, db1.Enter(f.ctx))
	db2, err := u2.DataBases().Get(f.ctx, "main")
	require.NoError(t, err)

	e1, err := db1.BeginContentEdit(f.ctx, "/T")
	require.NoError(t, err)
	e2, err := db2.BeginContentEdit(f.ctx, "/T")
	require.NoError(t, err)
	assert.Equal(t, e1.ID(), e2.ID(), "a second begin joins the running domain")

	ended := make(chan EditorEvent, 1)
	e2.Subscribe(func(_ context.Context, ev EditorEvent) {
		if ev.Kind == EditEnded || ev.Kind == EditCanceled {
			ended <- ev
		}
	})

	require.NoError(t, e1.NewRow(f.ctx, core.Row{Key: "r1", Fields: map[string]string{"name": "a"}}))
	require.NoError(t, e2.NewRow(f.ctx, core.Row{Key: "r2", Fields: map[string]string{"size": "3"}}))
	data, err := e2.Data(f.ctx)
	require.NoError(t, err)
	assert.Len(t, data.Rows, 2)
	info, err := e1.Info(f.ctx)
	require.NoError(t, err)
	assert.Len(t, info.Users, 2)
	assert.True(t, info.Modified)

	assert.ErrorIs(t, e2.EndEdit(f.ctx), core.ErrPermissionDenied, "only the owner ends a domain")
	require.NoError(t, e1.EndEdit(f.ctx))

	t1, err := db1.Tables()
	require.NoError(t, err)
	item, err := t1.Item(f.ctx, "/T")
	require.NoError(t, err)
	require.Len(t, item.Payload.Rows, 2, "the item change is mirrored when EndEdit returns")

	select {
	case ev := <-ended:
		assert.Equal(t, EditEnded, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("the other editor was not told the domain ended")
	}
	n, err := u2.Domains().Attached(f.ctx, e2.ID())
	require.NoError(t, err)
	assert.Zero(t, n)
	list, err := u1.Domains().List(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEditor_CancelKeepsItem(t *testing.T) {
	f := newFixture(t)
	admin := f.admin()
	db := f.dataBase(admin, "main")
	tables, err := db.Tables()
	require.NoError(t, err)
	require.NoError(t, tables.AddNewItem(f.ctx, tree.RootPath, "T", core.TableInfo{Comment: "old"}))

	e, err := db.BeginTemplateEdit(f.ctx, core.TargetTables, "/T")
	require.NoError(t, err)
	data, err := e.Data(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "old", data.Properties["comment"])

	var kinds []EditorEventKind
	e.Subscribe(func(_ context.Context, ev EditorEvent) { kinds = append(kinds, ev.Kind) })
	require.NoError(t, e.SetProperty(f.ctx, "comment", "new"))
	require.NoError(t, e.CancelEdit(f.ctx))

	item, err := tables.Item(f.ctx, "/T")
	require.NoError(t, err)
	assert.Equal(t, "old", item.Payload.Comment)
	kinds2, err := dispatchValue(f.ctx, admin, func() []EditorEventKind { return append([]EditorEventKind(nil), kinds...) })
	require.NoError(t, err)
	assert.Equal(t, []EditorEventKind{EditBegun, Changed, EditCanceled}, kinds2)
}

func TestDomains_AdminDeleteCommits(t *testing.T) {
	f := newFixture(t)
	admin := f.admin()
	db := f.dataBase(admin, "main")
	tables, err := db.Tables()
	require.NoError(t, err)
	require.NoError(t, tables.AddNewItem(f.ctx, tree.RootPath, "T", core.TableInfo{}))

	e, err := db.BeginContentEdit(f.ctx, "/T")
	require.NoError(t, err)
	require.NoError(t, e.NewRow(f.ctx, core.Row{Key: "k1", Fields: map[string]string{"v": "1"}}))

	require.NoError(t, admin.Domains().Delete(f.ctx, e.ID(), false))

	item, err := tables.Item(f.ctx, "/T")
	require.NoError(t, err)
	require.Len(t, item.Payload.Rows, 1, "the item change is mirrored when Delete returns")
	assert.Equal(t, "k1", item.Payload.Rows[0].Key)

	open, err := admin.Domains().List(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	n, err := admin.Domains().Attached(f.ctx, e.ID())
	require.NoError(t, err)
	assert.Zero(t, n, "deleted domains detach their editors")

	err = admin.Domains().Delete(f.ctx, e.ID(), true)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestEditor_NewTable(t *testing.T) {
	f := newFixture(t)
	admin := f.admin()
	db := f.dataBase(admin, "main")

	e, err := db.BeginNewTable(f.ctx, tree.RootPath, "fresh")
	require.NoError(t, err)
	info, err := e.Info(f.ctx)
	require.NoError(t, err)
	assert.True(t, info.IsNew)
	assert.Equal(t, "/fresh", info.Path)
	require.NoError(t, e.SetProperty(f.ctx, "comment", "made by a domain"))
	require.NoError(t, e.EndEdit(f.ctx))

	tables, err := db.Tables()
	require.NoError(t, err)
	item, err := tables.Item(f.ctx, "/fresh")
	require.NoError(t, err)
	assert.Equal(t, "made by a domain", item.Payload.Comment)
}

func TestEditor_DetachIsBalanced(t *testing.T) {
	f := newFixture(t)
	admin := f.admin()
	db := f.dataBase(admin, "main")
	tables, err := db.Tables()
	require.NoError(t, err)
	require.NoError(t, tables.AddNewItem(f.ctx, tree.RootPath, "T", core.TableInfo{}))

	e, err := db.BeginContentEdit(f.ctx, "/T")
	require.NoError(t, err)
	require.NoError(t, e.Detach(f.ctx))
	assert.ErrorIs(t, e.Detach(f.ctx), core.ErrProtocolViolation)

	again, err := db.AttachEditor(f.ctx, e.ID())
	require.NoError(t, err, "a participant re-attaches without joining")
	assert.ErrorIs(t, admin.Domains().attach(f.ctx, again, core.TaskID{}), core.ErrProtocolViolation)
	n, err := admin.Domains().Attached(f.ctx, e.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, again.CancelEdit(f.ctx))
}

func TestEditor_AttachJoins(t *testing.T) {
	f := newFixture(t)
	admin := f.admin()
	db := f.dataBase(admin, "main")
	tables, err := db.Tables()
	require.NoError(t, err)
	require.NoError(t, tables.AddNewItem(f.ctx, tree.RootPath, "T", core.TableInfo{}))
	e, err := db.BeginContentEdit(f.ctx, "/T")
	require.NoError(t, err)

	u1 := f.member(admin, "u1")
	info, found, err := u1.Domains().Find(f.ctx, "main", core.TargetTables, "/T")
	require.NoError(t, err)
	require.True(t, found)
	db1, err := u1.DataBases().Get(f.ctx, "main")
	require.NoError(t, err)
	e1, err := db1.AttachEditor(f.ctx, info.ID)
	require.NoError(t, err)

	info, err = e1.Info(f.ctx)
	require.NoError(t, err)
	assert.True(t, info.HasUser(u1.Authentication().ID))
	require.NoError(t, e1.Leave(f.ctx))
	info, err = e.Info(f.ctx)
	require.NoError(t, err)
	assert.False(t, info.HasUser(u1.Authentication().ID))
}

func TestEditor_SubscribersSeeEditBegun(t *testing.T) {
	f := newFixture(t)
	admin := f.admin()
	db := f.dataBase(admin, "main")
	tables, err := db.Tables()
	require.NoError(t, err)
	require.NoError(t, tables.AddNewItem(f.ctx, tree.RootPath, "T", core.TableInfo{}))
	e, err := db.BeginContentEdit(f.ctx, "/T")
	require.NoError(t, err)

	u1 := f.member(admin, "u1")
	db1, err := u1.DataBases().Get(f.ctx, "main")
	require.NoError(t, err)
	e1, err := db1.AttachEditor(f.ctx, e.ID())
	require.NoError(t, err)

	events := make(chan EditorEvent, 8)
	e1.Subscribe(func(_ context.Context, ev EditorEvent) { events <- ev })

	next := func() EditorEvent {
		t.Helper()
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no editor event")
			return EditorEvent{}
		}
	}
	begun := next()
	assert.Equal(t, EditBegun, begun.Kind)
	assert.Equal(t, "/T", begun.Info.Path)
	assert.Equal(t, "admin", begun.UserID)
	assert.True(t, begun.Info.HasUser(u1.Authentication().ID))

	require.NoError(t, e.NewRow(f.ctx, core.Row{Key: "a", Fields: map[string]string{"id": "a"}}))
	assert.Equal(t, Changed, next().Kind)
	require.NoError(t, e1.Leave(f.ctx))
	require.NoError(t, e.CancelEdit(f.ctx))
}

func TestContext_GapTearsDownSource(t *testing.T) {
	f := newFixture(t)
	errs := make(chan error, 4)
	admin := f.admin(WithGapTimeout(20*time.Millisecond), WithErrorHandler(func(err error) { errs <- err }))

	admin.mu.Lock()
	users := admin.sources[protocol.SourceUsers]
	admin.mu.Unlock()
	require.NotNil(t, users)
	admin.deliver(protocol.Callback{Source: protocol.SourceUsers, Index: users.queue.Next() + 5, Kind: protocol.KindLoggedIn})

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, core.ErrProtocolViolation)
	case <-time.After(time.Second):
		t.Fatal("gap was not reported")
	}
	select {
	case <-users.done:
	case <-time.After(time.Second):
		t.Fatal("source was not torn down")
	}
	select {
	case err := <-errs:
		t.Fatalf("gap reported twice: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	err := admin.Users().AddNewUser(f.ctx, tree.RootPath, "u1", "u1", core.AuthorityMember, []byte("pw"))
	assert.ErrorIs(t, err, core.ErrCanceled, "writes on a torn down source cannot complete")
}

func TestContext_CloseFailsWaits(t *testing.T) {
	f := newFixture(t)
	admin := f.admin()

	ch := admin.WaitAsync(f.ctx, core.NewTaskID())
	admin.Close(f.ctx)
	select {
	case err := <-ch:
		assert.ErrorIs(t, err, core.ErrCanceled)
	case <-time.After(time.Second):
		t.Fatal("wait survived close")
	}
	assert.True(t, admin.Authentication().IsExpired())
	err := admin.DataBases().AddNewDataBase(f.ctx, "main", "")
	assert.ErrorIs(t, err, core.ErrAuthenticationExpired)
	admin.Close(f.ctx)
}

func TestContext_BanExpiresMember(t *testing.T) {
	f := newFixture(t)
	admin := f.admin()
	u1 := f.member(admin, "u1")

	require.NoError(t, admin.Users().Ban(f.ctx, "u1", "spam"))
	select {
	case <-u1.Authentication().Done():
	case <-time.After(time.Second):
		t.Fatal("banned member kept its authentication")
	}
	err := u1.DataBases().AddNewDataBase(f.ctx, "main", "")
	assert.ErrorIs(t, err, core.ErrAuthenticationExpired)

	item, err := admin.Users().Collection().Item(f.ctx, "/u1")
	require.NoError(t, err)
	assert.True(t, item.Payload.Banned)
	assert.Equal(t, "spam", item.Payload.BanComment)
}

func TestContext_ConnectionLoss(t *testing.T) {
	f := newFixture(t)
	lost := make(chan error, 1)
	tr := local.New(f.host)
	c, err := Open(f.ctx, tr, "admin", []byte(adminPassword), WithErrorHandler(func(err error) { lost <- err }))
	require.NoError(t, err)
	ch := c.WaitAsync(f.ctx, core.NewTaskID())

	require.NoError(t, tr.Close(f.ctx))
	select {
	case err := <-lost:
		assert.ErrorIs(t, err, core.ErrAuthenticationExpired)
	case <-time.After(time.Second):
		t.Fatal("connection loss not reported")
	}
	assert.True(t, errors.Is(<-ch, core.ErrAuthenticationExpired))
	c.Close(f.ctx)
}

// dispatchValue reads a value on the domains dispatcher, where editor
// subscribers run.
func dispatchValue[T any](ctx context.Context, c *Context, fn func() T) (T, error) {
	var v T
	err := c.domains.d.Invoke(ctx, func(context.Context) error {
		v = fn()
		return nil
	})
	return v, err
}
