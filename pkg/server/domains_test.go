package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/protocol"
	"github.com/aretw0/tessera/pkg/tree"
)

func domainEvent(t *testing.T, cb protocol.Callback) core.DomainEvent {
	t.Helper()
	ev, err := protocol.Decode[core.DomainEvent](cb.Data)
	require.NoError(t, err)
	return ev
}

func TestDomain_EndEditWithTwoEditors(t *testing.T) {
	f := newFixture(t)
	_, _, admin := f.admin()
	tables := f.dataBase(admin, "main")
	require.NoError(t, tables.AddNewItem(f.ctx, admin, core.NewTaskID(), tree.RootPath, "T", core.TableInfo{
		Columns: []core.Column{{Name: "name", DataType: "string", IsKey: true}, {Name: "size", DataType: "int"}},
	}))
	f.addUser(admin, "u1", core.AuthorityMember)
	f.addUser(admin, "u2", core.AuthorityMember)
	_, _, u1 := f.login("u1", "u1-pw")
	s2, rec2, u2 := f.login("u2", "u2-pw")
	_, err := f.host.domains.Subscribe(f.ctx, s2)
	require.NoError(t, err)

	res, err := f.host.domains.BeginEdit(f.ctx, u1, core.NewTaskID(), "main", core.DomainTableContent, "/T")
	require.NoError(t, err)
	id := res.Info.ID
	owner, ok := res.Info.Owner()
	require.True(t, ok)
	assert.Equal(t, u1.ID, owner.AuthenticationID)

	joined, err := f.host.domains.BeginEdit(f.ctx, u2, core.NewTaskID(), "main", core.DomainTableContent, "/T")
	require.NoError(t, err)
	assert.Equal(t, id, joined.Info.ID, "a second begin joins the running domain")
	assert.Len(t, joined.Info.Users, 2)

	require.NoError(t, f.host.domains.NewRow(f.ctx, u1, core.NewTaskID(), id, core.Row{Key: "r1", Fields: map[string]string{"name": "a"}}))
	require.NoError(t, f.host.domains.NewRow(f.ctx, u2, core.NewTaskID(), id, core.Row{Key: "r2", Fields: map[string]string{"size": "3"}}))
	err = f.host.domains.NewRow(f.ctx, u2, core.NewTaskID(), id, core.Row{Key: "r3", Fields: map[string]string{"color": "red"}})
	assert.ErrorIs(t, err, core.ErrInvalidName)
	err = f.host.domains.SetRow(f.ctx, u2, core.NewTaskID(), id, core.Row{Key: "r2", Fields: map[string]string{"size": "3"}})
	assert.ErrorIs(t, err, core.ErrSameValue)
	require.NoError(t, f.host.domains.SetRow(f.ctx, u2, core.NewTaskID(), id, core.Row{Key: "r2", Fields: map[string]string{"size": "4"}}))

	err = tables.Rename(f.ctx, admin, core.NewTaskID(), "/T", "U")
	assert.ErrorIs(t, err, core.ErrBeingEdited)
	err = tables.SetPayload(f.ctx, admin, core.NewTaskID(), "/T", core.TableInfo{})
	assert.ErrorIs(t, err, core.ErrBeingEdited)

	err = f.host.domains.EndEdit(f.ctx, u2, core.NewTaskID(), id)
	assert.ErrorIs(t, err, core.ErrPermissionDenied, "only the owner ends a domain")
	task := core.NewTaskID()
	require.NoError(t, f.host.domains.EndEdit(f.ctx, u1, task, id))

	item, err := tables.Item(f.ctx, "/T")
	require.NoError(t, err)
	require.Len(t, item.Payload.Rows, 2)
	assert.Equal(t, "a", item.Payload.Rows[0].Fields["name"])
	assert.Equal(t, "4", item.Payload.Rows[1].Fields["size"])
	assert.Len(t, item.Payload.Columns, 2)

	cb, ok := rec2.last(protocol.SourceDomains, string(core.DomainDeleted))
	require.True(t, ok, "the other editor is told the domain ended")
	assert.Equal(t, []core.TaskID{task}, cb.TaskIDs)
	assert.False(t, domainEvent(t, cb).IsCanceled)

	domains, err := f.host.domains.Domains(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, domains)
	require.NoError(t, tables.Rename(f.ctx, admin, core.NewTaskID(), "/T", "U"))
}

func TestDomain_EndEditCarriesItemPart(t *testing.T) {
	f := newFixture(t)
	s, rec, admin := f.admin()
	tables := f.dataBase(admin, "main")
	require.NoError(t, tables.AddNewItem(f.ctx, admin, core.NewTaskID(), tree.RootPath, "T", core.TableInfo{}))
	_, err := f.host.dbs.Enter(f.ctx, s, admin, core.NewTaskID(), "main")
	require.NoError(t, err)

	res, err := f.host.domains.BeginEdit(f.ctx, admin, core.NewTaskID(), "main", core.DomainTableContent, "/T")
	require.NoError(t, err)
	require.NoError(t, f.host.domains.NewRow(f.ctx, admin, core.NewTaskID(), res.Info.ID, core.Row{Key: "k"}))
	task := core.NewTaskID()
	require.NoError(t, f.host.domains.EndEdit(f.ctx, admin, task, res.Info.ID))

	cb, ok := rec.last(protocol.DataBaseSource("main"), string(core.ItemsChanged))
	require.True(t, ok)
	assert.Equal(t, []core.TaskID{protocol.Derive(task, protocol.PartItem)}, cb.TaskIDs)
}

func TestDomain_CancelAndLeave(t *testing.T) {
	f := newFixture(t)
	_, _, admin := f.admin()
	tables := f.dataBase(admin, "main")
	require.NoError(t, tables.AddNewItem(f.ctx, admin, core.NewTaskID(), tree.RootPath, "T", core.TableInfo{Comment: "old"}))
	f.addUser(admin, "u1", core.AuthorityMember)
	_, _, u1 := f.login("u1", "u1-pw")

	res, err := f.host.domains.BeginEdit(f.ctx, admin, core.NewTaskID(), "main", core.DomainTableTemplate, "/T")
	require.NoError(t, err)
	id := res.Info.ID
	assert.Equal(t, "old", res.Data.Properties["comment"])
	_, err = f.host.domains.Join(f.ctx, u1, core.NewTaskID(), id)
	require.NoError(t, err)
	_, err = f.host.domains.Join(f.ctx, u1, core.NewTaskID(), id)
	assert.ErrorIs(t, err, core.ErrAlreadyExists)

	_, err = f.host.domains.BeginEdit(f.ctx, u1, core.NewTaskID(), "main", core.DomainTableContent, "/T")
	assert.ErrorIs(t, err, core.ErrBeingEdited, "one item, one domain kind at a time")

	require.NoError(t, f.host.domains.SetProperty(f.ctx, u1, core.NewTaskID(), id, "comment", "new"))
	err = f.host.domains.SetProperty(f.ctx, u1, core.NewTaskID(), id, "color", "red")
	assert.ErrorIs(t, err, core.ErrInvalidName)

	require.NoError(t, f.host.domains.Leave(f.ctx, admin, core.NewTaskID(), id))
	domains, err := f.host.domains.Domains(f.ctx)
	require.NoError(t, err)
	require.Len(t, domains, 1)
	owner, ok := domains[0].Owner()
	require.True(t, ok)
	assert.Equal(t, u1.ID, owner.AuthenticationID, "ownership passes on")

	require.NoError(t, f.host.domains.CancelEdit(f.ctx, u1, core.NewTaskID(), id))
	item, err := tables.Item(f.ctx, "/T")
	require.NoError(t, err)
	assert.Equal(t, "old", item.Payload.Comment)
}

func TestDomain_BeginNewCreatesItem(t *testing.T) {
	f := newFixture(t)
	_, _, admin := f.admin()
	f.dataBase(admin, "main")
	db, err := f.host.dbs.Get("main")
	require.NoError(t, err)
	types, err := db.Types()
	require.NoError(t, err)

	res, err := f.host.domains.BeginNew(f.ctx, admin, core.NewTaskID(), "main", core.DomainTypeTemplate, tree.RootPath, "Color")
	require.NoError(t, err)
	assert.True(t, res.Info.IsNew)
	assert.Equal(t, "/Color", res.Info.Path)
	_, err = f.host.domains.BeginNew(f.ctx, admin, core.NewTaskID(), "main", core.DomainTypeTemplate, tree.RootPath, "Color")
	assert.ErrorIs(t, err, core.ErrAlreadyExists)
	_, err = f.host.domains.BeginNew(f.ctx, admin, core.NewTaskID(), "main", core.DomainTableContent, tree.RootPath, "Rows")
	assert.ErrorIs(t, err, core.ErrConflict)

	id := res.Info.ID
	require.NoError(t, f.host.domains.NewRow(f.ctx, admin, core.NewTaskID(), id, core.Row{Key: "Red", Fields: map[string]string{"value": "1"}}))
	err = f.host.domains.NewRow(f.ctx, admin, core.NewTaskID(), id, core.Row{Key: "Blue", Fields: map[string]string{"value": "two"}})
	assert.ErrorIs(t, err, core.ErrInvalidName)
	require.NoError(t, f.host.domains.SetProperty(f.ctx, admin, core.NewTaskID(), id, "is_flag", "true"))
	require.NoError(t, f.host.domains.EndEdit(f.ctx, admin, core.NewTaskID(), id))

	item, err := types.Item(f.ctx, "/Color")
	require.NoError(t, err)
	assert.True(t, item.Payload.IsFlag)
	assert.Equal(t, []core.TypeMember{{Name: "Red", Value: 1}}, item.Payload.Members)
}

func TestDomain_SurvivesUnload(t *testing.T) {
	f := newFixture(t)
	_, _, admin := f.admin()
	tables := f.dataBase(admin, "main")
	require.NoError(t, tables.AddNewItem(f.ctx, admin, core.NewTaskID(), tree.RootPath, "T", core.TableInfo{}))

	res, err := f.host.domains.BeginEdit(f.ctx, admin, core.NewTaskID(), "main", core.DomainTableContent, "/T")
	require.NoError(t, err)
	id := res.Info.ID

	require.NoError(t, f.host.dbs.Unload(f.ctx, admin, core.NewTaskID(), "main"))
	domains, err := f.host.domains.Domains(f.ctx)
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.False(t, domains[0].Attached)
	err = f.host.domains.NewRow(f.ctx, admin, core.NewTaskID(), id, core.Row{Key: "k"})
	assert.ErrorIs(t, err, core.ErrConflict)

	require.NoError(t, f.host.dbs.Load(f.ctx, admin, core.NewTaskID(), "main"))
	domains, err = f.host.domains.Domains(f.ctx)
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.True(t, domains[0].Attached)
	require.NoError(t, f.host.domains.NewRow(f.ctx, admin, core.NewTaskID(), id, core.Row{Key: "k"}))
	require.NoError(t, f.host.domains.EndEdit(f.ctx, admin, core.NewTaskID(), id))

	db, err := f.host.dbs.Get("main")
	require.NoError(t, err)
	tables, err = db.Tables()
	require.NoError(t, err)
	item, err := tables.Item(f.ctx, "/T")
	require.NoError(t, err)
	assert.Len(t, item.Payload.Rows, 1)
}

func TestDomain_LogoutLeaves(t *testing.T) {
	f := newFixture(t)
	_, _, admin := f.admin()
	tables := f.dataBase(admin, "main")
	require.NoError(t, tables.AddNewItem(f.ctx, admin, core.NewTaskID(), tree.RootPath, "T", core.TableInfo{}))
	f.addUser(admin, "u1", core.AuthorityMember)
	s, _, u1 := f.login("u1", "u1-pw")

	res, err := f.host.domains.BeginEdit(f.ctx, u1, core.NewTaskID(), "main", core.DomainTableContent, "/T")
	require.NoError(t, err)
	require.NoError(t, f.host.users.Logout(f.ctx, s, u1))

	domains, err := f.host.domains.Domains(f.ctx)
	require.NoError(t, err)
	require.Len(t, domains, 1, "an attached domain keeps running without editors")
	assert.Empty(t, domains[0].Users)

	err = f.host.domains.Delete(f.ctx, u1, core.NewTaskID(), res.Info.ID, true)
	assert.ErrorIs(t, err, core.ErrAuthenticationExpired)
	require.NoError(t, f.host.domains.Delete(f.ctx, admin, core.NewTaskID(), res.Info.ID, true))
	domains, err = f.host.domains.Domains(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, domains)
}

func TestDomain_EditingIsCounted(t *testing.T) {
	f := newFixture(t)
	_, _, admin := f.admin()
	f.dataBase(admin, "main")
	db, err := f.host.dbs.Get("main")
	require.NoError(t, err)
	st, err := db.state()
	require.NoError(t, err)

	require.NoError(t, st.beginEditing(f.ctx, core.TargetTables, "/A/T"))
	require.NoError(t, st.beginEditing(f.ctx, core.TargetTables, "/A/T"))
	require.NoError(t, st.endEditing(f.ctx, core.TargetTables, "/A/T"))

	editing := func(p string) bool {
		var got bool
		require.NoError(t, st.d.Invoke(f.ctx, func(context.Context) error {
			got = st.isEditing(core.TargetTables, p)
			return nil
		}))
		return got
	}
	assert.True(t, editing("/A/T"))
	assert.True(t, editing("/A/"), "a category covers the items below it")
	assert.False(t, editing("/B/"))

	require.NoError(t, st.endEditing(f.ctx, core.TargetTables, "/A/T"))
	assert.False(t, editing("/A/T"))
	err = st.endEditing(f.ctx, core.TargetTables, "/A/T")
	assert.ErrorIs(t, err, core.ErrProtocolViolation)
}
