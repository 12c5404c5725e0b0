// Package tessera is the composition root of a multi-user repository of
// typed tables.
//
// A Host owns a versioned repository (a git working copy by default) and is
// the only writer. Clients sign in over a transport, mirror the trees they
// care about and see every change in the order the host committed it. A
// write returns once the caller's own mirror reflects it.
//
// Usage:
//
//	h, err := tessera.Open(ctx, "./repo",
//		tessera.WithAutoInit(true),
//		tessera.WithSecret(secret),
//		tessera.WithAdmin("admin", "Administrator", password),
//	)
//	defer h.Close(ctx)
//
//	c, err := tessera.Connect(ctx, h, "admin", password)
//	defer c.Close(ctx)
//
//	err = c.DataBases().AddNewDataBase(ctx, "main", "")
//
// Remote clients reach the same host through pkg/transport/ws.
package tessera
