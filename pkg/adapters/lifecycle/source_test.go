package lifecycle_test

import (
	"context"
	"testing"
	"time"

	golifecycle "github.com/aretw0/lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/aretw0/tessera/pkg/adapters/lifecycle"
	"github.com/aretw0/tessera/pkg/adapters/memory"
	"github.com/aretw0/tessera/pkg/client"
	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/protocol"
	"github.com/aretw0/tessera/pkg/server"
	"github.com/aretw0/tessera/pkg/transport/local"
	"github.com/aretw0/tessera/pkg/tree"
)

func connect(t *testing.T) *client.Context {
	t.Helper()
	ctx := context.Background()
	h, err := server.Open(ctx, server.Config{
		Store:       memory.NewStore(),
		Credentials: server.BcryptCredentials{Cost: bcrypt.MinCost},
		Secret:      []byte("lifecycle-source-secret-123"),
		Admin:       server.AdminConfig{Password: []byte("pw")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close(context.Background()) })

	c, err := client.Open(ctx, local.New(h), "admin", []byte("pw"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func TestSource_EmitsClientEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := connect(t)

	require.NoError(t, c.DataBases().AddNewDataBase(ctx, "main", ""))
	db, err := c.DataBases().Get(ctx, "main")
	require.NoError(t, err)
	require.NoError(t, db.Load(ctx))
	require.NoError(t, db.Enter(ctx))

	src := lifecycle.NewSource(c, lifecycle.WithDataBase(db))
	require.NoError(t, src.Start(ctx))

	tables, err := db.Tables()
	require.NoError(t, err)
	require.NoError(t, tables.AddNewItem(ctx, tree.RootPath, "Items", core.TableInfo{}))
	require.NoError(t, c.DataBases().AddNewDataBase(ctx, "second", ""))

	created := waitFor(t, src, func(ev lifecycle.Event) bool { return ev.Source == "main/tables" })
	assert.Equal(t, string(core.ItemsCreated), created.Kind)
	assert.Equal(t, "/Items", created.Detail)

	added := waitFor(t, src, func(ev lifecycle.Event) bool { return ev.Kind == protocol.KindDataBaseCreated })
	assert.Equal(t, "databases", added.Source)
	assert.Equal(t, "second", added.Detail)
	assert.Equal(t, "admin", added.UserID)
}

// waitFor drains src until match accepts an event.
func waitFor(t *testing.T, src golifecycle.Source, match func(lifecycle.Event) bool) lifecycle.Event {
	t.Helper()
	var seen []lifecycle.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-src.Events():
			ev, ok := e.(lifecycle.Event)
			require.True(t, ok)
			if match(ev) {
				return ev
			}
			seen = append(seen, ev)
		case <-timeout:
			t.Fatalf("event not delivered, got %v", seen)
		}
	}
}
