package client

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/tree"
)

// TestStress_ConcurrentClientsConverge writes from several sessions at once
// and checks every mirror ends with the same tree.
func TestStress_ConcurrentClientsConverge(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}
	const (
		sessions = 4
		writes   = 25
	)
	f := newFixture(t)
	first := f.admin()
	f.dataBase(first, "main")

	dbs := make([]*DataBase, sessions)
	for i := range dbs {
		c := f.admin()
		db, err := c.DataBases().Get(f.ctx, "main")
		require.NoError(t, err)
		require.NoError(t, db.Enter(f.ctx))
		dbs[i] = db
	}

	var wg sync.WaitGroup
	errs := make(chan error, sessions*writes)
	for i, db := range dbs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tables, err := db.Tables()
			if err != nil {
				errs <- err
				return
			}
			category := fmt.Sprintf("c%d", i)
			if err := tables.AddNewCategory(f.ctx, tree.RootPath, category); err != nil {
				errs <- err
				return
			}
			for n := 0; n < writes; n++ {
				name := fmt.Sprintf("t%d_%d", i, n)
				if err := tables.AddNewItem(f.ctx, "/"+category+"/", name, core.TableInfo{}); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	want, err := mustTables(t, dbs[0]).Snapshot(f.ctx)
	require.NoError(t, err)
	assert.Len(t, want.Items, sessions*writes)
	for _, db := range dbs[1:] {
		got, err := mustTables(t, db).Snapshot(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func mustTables(t *testing.T, db *DataBase) *Collection[core.TableInfo] {
	t.Helper()
	tables, err := db.Tables()
	require.NoError(t, err)
	return tables
}
