package local_test

import (
	"context"
	"sync"
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
)

func newHost(t *testing.T) *server.Host {
	t.Helper()
	h, err := server.Open(context.Background(), server.Config{
		Name:        "local",
		Store:       memory.NewStore(),
		Credentials: server.BcryptCredentials{Cost: bcrypt.MinCost},
		Secret:      []byte("0123456789abcdef0123456789abcdef"),
		Admin:       server.AdminConfig{Password: []byte("pw")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

func call[R any](t *testing.T, tr *local.Transport, id uint64, token, method string, params any) (R, *protocol.Error) {
	t.Helper()
	raw, err := protocol.Encode(params)
	require.NoError(t, err)
	res, err := tr.Call(context.Background(), protocol.Request{ID: id, Method: method, Token: token, Params: raw})
	require.NoError(t, err)
	assert.Equal(t, id, res.ID)
	if res.Error != nil {
		var zero R
		return zero, res.Error
	}
	out, err := protocol.Decode[R](res.Result)
	require.NoError(t, err)
	return out, nil
}

func TestTransport_CallbacksInOrder(t *testing.T) {
	tr := local.New(newHost(t))
	defer tr.Close(context.Background())

	var (
		mu  sync.Mutex
		got []protocol.Callback
	)
	tr.Listen(func(cb protocol.Callback) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, cb)
	})

	login, perr := call[protocol.LoginResult](t, tr, 1, "", protocol.MethodLogin, protocol.LoginParams{UserID: "admin", Password: []byte("pw")})
	require.Nil(t, perr)
	token := login.Authentication.Token
	snap, perr := call[protocol.DataBasesSnapshot](t, tr, 2, token, protocol.MethodDataBasesSubscribe, nil)
	require.Nil(t, perr)
	for i, name := range []string{"a", "b", "c"} {
		_, perr := call[struct{}](t, tr, uint64(3+i), token, protocol.MethodAddDataBase, protocol.DataBaseParams{TaskID: core.NewTaskID(), Name: name})
		require.Nil(t, perr)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for i, cb := range got {
		assert.Equal(t, protocol.SourceDataBases, cb.Source)
		assert.Equal(t, snap.Next+uint64(i), cb.Index)
		assert.Equal(t, protocol.KindDataBaseCreated, cb.Kind)
	}
}

func TestTransport_ErrorsCrossTheWire(t *testing.T) {
	tr := local.New(newHost(t))
	defer tr.Close(context.Background())

	_, perr := call[protocol.LoginResult](t, tr, 1, "", protocol.MethodLogin, protocol.LoginParams{UserID: "admin", Password: []byte("nope")})
	require.NotNil(t, perr)
	assert.ErrorIs(t, perr, core.ErrPermissionDenied)
}

func TestTransport_CloseLogsOut(t *testing.T) {
	tr := local.New(newHost(t))
	_, perr := call[protocol.LoginResult](t, tr, 1, "", protocol.MethodLogin, protocol.LoginParams{UserID: "admin", Password: []byte("pw")})
	require.Nil(t, perr)
	assert.Len(t, tr.Session().Authentications(), 1)

	require.NoError(t, tr.Close(context.Background()))
	<-tr.Done()
	assert.Empty(t, tr.Session().Authentications())
	_, err := tr.Call(context.Background(), protocol.Request{ID: 2, Method: protocol.MethodHostInfo})
	assert.ErrorIs(t, err, core.ErrCanceled)
}
