package server

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/protocol"
	"github.com/aretw0/tessera/pkg/tree"
)

func TestDataBases_Lifecycle(t *testing.T) {
	f := newFixture(t)
	s, rec, admin := f.admin()
	_, err := f.host.dbs.Subscribe(f.ctx, s)
	require.NoError(t, err)

	require.NoError(t, f.host.dbs.AddNewDataBase(f.ctx, admin, core.NewTaskID(), "main", "primary"))
	err = f.host.dbs.AddNewDataBase(f.ctx, admin, core.NewTaskID(), "main", "")
	assert.ErrorIs(t, err, core.ErrAlreadyExists)

	_, err = f.host.dbs.Enter(f.ctx, s, admin, core.NewTaskID(), "main")
	assert.ErrorIs(t, err, core.ErrConflict, "unloaded data bases cannot be entered")

	require.NoError(t, f.host.dbs.Load(f.ctx, admin, core.NewTaskID(), "main"))
	err = f.host.dbs.Load(f.ctx, admin, core.NewTaskID(), "main")
	assert.ErrorIs(t, err, core.ErrSameValue)
	err = f.host.dbs.DeleteDataBase(f.ctx, admin, core.NewTaskID(), "main")
	assert.ErrorIs(t, err, core.ErrConflict)

	res, err := f.host.dbs.Enter(f.ctx, s, admin, core.NewTaskID(), "main")
	require.NoError(t, err)
	assert.True(t, res.Info.Loaded)
	assert.Equal(t, []string{"admin"}, res.Info.Users)
	assert.Zero(t, res.Next)
	_, err = f.host.dbs.Enter(f.ctx, s, admin, core.NewTaskID(), "main")
	assert.ErrorIs(t, err, core.ErrAlreadyExists)

	require.NoError(t, f.host.dbs.Leave(f.ctx, s, admin, core.NewTaskID(), "main"))
	require.NoError(t, f.host.dbs.Unload(f.ctx, admin, core.NewTaskID(), "main"))
	require.NoError(t, f.host.dbs.DeleteDataBase(f.ctx, admin, core.NewTaskID(), "main"))
	_, err = f.host.dbs.Get("main")
	assert.ErrorIs(t, err, core.ErrNotFound)

	assert.Equal(t, []string{
		protocol.KindDataBaseCreated,
		protocol.KindDataBaseLoaded,
		protocol.KindDataBaseEntered,
		protocol.KindDataBaseLeft,
		protocol.KindDataBaseUnloaded,
		protocol.KindDataBaseDeleted,
	}, rec.kinds(protocol.SourceDataBases))
}

func TestDataBases_AdministratorOnly(t *testing.T) {
	f := newFixture(t)
	_, _, admin := f.admin()
	f.addUser(admin, "member", core.AuthorityMember)
	_, _, member := f.login("member", "member-pw")

	err := f.host.dbs.AddNewDataBase(f.ctx, member, core.NewTaskID(), "main", "")
	assert.ErrorIs(t, err, core.ErrPermissionDenied)
	f.dataBase(admin, "main")
	err = f.host.dbs.Unload(f.ctx, member, core.NewTaskID(), "main")
	assert.ErrorIs(t, err, core.ErrPermissionDenied)
}

func TestDataBases_LockRejectsOtherWriters(t *testing.T) {
	f := newFixture(t)
	_, _, admin := f.admin()
	tables := f.dataBase(admin, "main")
	f.addUser(admin, "u1", core.AuthorityMember)
	f.addUser(admin, "u2", core.AuthorityMember)
	_, _, u1 := f.login("u1", "u1-pw")
	_, _, u2 := f.login("u2", "u2-pw")

	require.NoError(t, f.host.dbs.Lock(f.ctx, u1, core.NewTaskID(), "main", "maintenance"))
	err := f.host.dbs.Lock(f.ctx, u2, core.NewTaskID(), "main", "mine")
	assert.ErrorIs(t, err, core.ErrLocked)

	err = tables.AddNewCategory(f.ctx, u2, core.NewTaskID(), tree.RootPath, "A")
	assert.ErrorIs(t, err, core.ErrLocked)
	require.NoError(t, tables.AddNewCategory(f.ctx, u1, core.NewTaskID(), tree.RootPath, "A"))

	err = f.host.dbs.Unlock(f.ctx, u2, core.NewTaskID(), "main")
	assert.ErrorIs(t, err, core.ErrLocked)
	require.NoError(t, f.host.dbs.Unlock(f.ctx, u1, core.NewTaskID(), "main"))
	err = f.host.dbs.Unlock(f.ctx, u1, core.NewTaskID(), "main")
	assert.ErrorIs(t, err, core.ErrSameValue)
	require.NoError(t, tables.AddNewCategory(f.ctx, u2, core.NewTaskID(), tree.RootPath, "B"))
}

func TestTransaction_Exclusive(t *testing.T) {
	for _, end := range []string{"commit", "rollback"} {
		t.Run(end, func(t *testing.T) {
			f := newFixture(t)
			_, _, admin := f.admin()
			tables := f.dataBase(admin, "main")
			f.addUser(admin, "u1", core.AuthorityMember)
			f.addUser(admin, "u2", core.AuthorityMember)
			_, _, u1 := f.login("u1", "u1-pw")
			_, _, u2 := f.login("u2", "u2-pw")

			id, err := f.host.dbs.BeginTransaction(f.ctx, u1, core.NewTaskID(), "main")
			require.NoError(t, err)
			st := f.host.State().(HostState)
			require.Len(t, st.DataBases, 1)
			assert.Equal(t, id.String(), st.DataBases[0].Lock.Comment)
			assert.Equal(t, []string{"main:" + id.String()}, st.Transactions)

			require.NoError(t, tables.AddNewItem(f.ctx, u1, core.NewTaskID(), tree.RootPath, "Inside", core.TableInfo{}))
			err = tables.AddNewItem(f.ctx, u2, core.NewTaskID(), tree.RootPath, "Outside", core.TableInfo{})
			require.ErrorIs(t, err, core.ErrLocked)
			_, err = f.host.dbs.BeginTransaction(f.ctx, u2, core.NewTaskID(), "main")
			require.ErrorIs(t, err, core.ErrLocked)
			err = f.host.dbs.CommitTransaction(f.ctx, u2, core.NewTaskID(), "main", id)
			require.ErrorIs(t, err, core.ErrPermissionDenied)

			if end == "commit" {
				require.NoError(t, f.host.dbs.CommitTransaction(f.ctx, u1, core.NewTaskID(), "main", id))
			} else {
				require.NoError(t, f.host.dbs.RollbackTransaction(f.ctx, u1, core.NewTaskID(), "main", id))
			}
			err = f.host.dbs.CommitTransaction(f.ctx, u1, core.NewTaskID(), "main", id)
			assert.ErrorIs(t, err, core.ErrNotFound)

			require.NoError(t, tables.AddNewItem(f.ctx, u2, core.NewTaskID(), tree.RootPath, "Outside", core.TableInfo{}))
			_, err = tables.Item(f.ctx, "/Inside")
			if end == "commit" {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, core.ErrNotFound)
			}
		})
	}
}

func TestTransaction_RollbackRemovesCreatedTables(t *testing.T) {
	f := newFixture(t)
	s, rec, admin := f.admin()
	tables := f.dataBase(admin, "main")
	_, err := f.host.dbs.Subscribe(f.ctx, s)
	require.NoError(t, err)
	_, err = f.host.dbs.Enter(f.ctx, s, admin, core.NewTaskID(), "main")
	require.NoError(t, err)
	require.NoError(t, tables.AddNewItem(f.ctx, admin, core.NewTaskID(), tree.RootPath, "Kept", core.TableInfo{}))

	id, err := f.host.dbs.BeginTransaction(f.ctx, admin, core.NewTaskID(), "main")
	require.NoError(t, err)
	for _, name := range []string{"T1", "T2", "T3"} {
		require.NoError(t, tables.AddNewItem(f.ctx, admin, core.NewTaskID(), tree.RootPath, name, core.TableInfo{}))
	}

	task := core.NewTaskID()
	require.NoError(t, f.host.dbs.RollbackTransaction(f.ctx, admin, task, "main", id))

	snap, err := tables.Snapshot(f.ctx)
	require.NoError(t, err)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "/Kept", snap.Items[0].Path)

	reset, ok := rec.last(protocol.DataBaseSource("main"), string(core.ItemsReset))
	require.True(t, ok)
	assert.Equal(t, "tables", reset.Target)
	assert.Equal(t, []core.TaskID{protocol.Derive(task, protocol.PartReset)}, reset.TaskIDs)

	ended, ok := rec.last(protocol.SourceDataBases, protocol.KindTransactionEnded)
	require.True(t, ok)
	assert.Equal(t, []core.TaskID{task}, ended.TaskIDs)
	info, err := protocol.Decode[core.DataBaseInfo](ended.Data)
	require.NoError(t, err)
	assert.False(t, info.Lock.Locked)
}

func TestTransaction_FailedRollbackKeepsBothTrees(t *testing.T) {
	f := newFixture(t)
	_, _, admin := f.admin()
	tables := f.dataBase(admin, "main")
	db, err := f.host.dbs.Get("main")
	require.NoError(t, err)
	types, err := db.Types()
	require.NoError(t, err)

	id, err := f.host.dbs.BeginTransaction(f.ctx, admin, core.NewTaskID(), "main")
	require.NoError(t, err)
	require.NoError(t, types.AddNewItem(f.ctx, admin, core.NewTaskID(), tree.RootPath, "Kind", core.TypeInfo{}))
	require.NoError(t, tables.AddNewItem(f.ctx, admin, core.NewTaskID(), tree.RootPath, "T1", core.TableInfo{}))

	// The types reset commits, the tables reset does not.
	f.store.FailCommitsAfter(errors.New("disk full"), 1, 1)
	err = f.host.dbs.RollbackTransaction(f.ctx, admin, core.NewTaskID(), "main", id)
	require.ErrorIs(t, err, core.ErrCommitFailed)

	_, err = types.Item(f.ctx, "/Kind")
	assert.NoError(t, err, "types are restored to the transaction's state")
	_, err = tables.Item(f.ctx, "/T1")
	assert.NoError(t, err)
	st := f.host.State().(HostState)
	assert.Equal(t, []string{"main:" + id.String()}, st.Transactions)

	f.store.FailCommits(nil, 0)
	require.NoError(t, f.host.dbs.RollbackTransaction(f.ctx, admin, core.NewTaskID(), "main", id))
	_, err = types.Item(f.ctx, "/Kind")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = tables.Item(f.ctx, "/T1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestTransaction_LogoutRollsBack(t *testing.T) {
	f := newFixture(t)
	_, _, admin := f.admin()
	tables := f.dataBase(admin, "main")
	f.addUser(admin, "u1", core.AuthorityMember)
	s, _, u1 := f.login("u1", "u1-pw")

	_, err := f.host.dbs.BeginTransaction(f.ctx, u1, core.NewTaskID(), "main")
	require.NoError(t, err)
	require.NoError(t, tables.AddNewItem(f.ctx, u1, core.NewTaskID(), tree.RootPath, "Abandoned", core.TableInfo{}))
	require.NoError(t, f.host.users.Logout(f.ctx, s, u1))

	_, err = tables.Item(f.ctx, "/Abandoned")
	assert.ErrorIs(t, err, core.ErrNotFound)
	require.NoError(t, tables.AddNewItem(f.ctx, admin, core.NewTaskID(), tree.RootPath, "After", core.TableInfo{}))
}

func TestTransaction_UnloadWaitsForEnd(t *testing.T) {
	f := newFixture(t)
	_, _, admin := f.admin()
	f.dataBase(admin, "main")

	id, err := f.host.dbs.BeginTransaction(f.ctx, admin, core.NewTaskID(), "main")
	require.NoError(t, err)
	err = f.host.dbs.Unload(f.ctx, admin, core.NewTaskID(), "main")
	assert.ErrorIs(t, err, core.ErrLocked)
	require.NoError(t, f.host.dbs.CommitTransaction(f.ctx, admin, core.NewTaskID(), "main", id))
	require.NoError(t, f.host.dbs.Unload(f.ctx, admin, core.NewTaskID(), "main"))
}
