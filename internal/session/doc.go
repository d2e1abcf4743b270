// Package session holds the process-wide registry of live sessions.
//
// A live session is a bundle of one coordinator with its permission manager
// and question broker, bound to a workspace directory. The registry is the
// only place sessions are created and released:
//
//	reg := session.NewRegistry(ws, idx, session.WithBus(bus))
//
//	// Attach blocks until the channel closes, then releases the session
//	// unless an abandoned agent task is still unwinding.
//	err := reg.Attach(ctx, id, ch)
//
// Every state change is mirrored into the session index as a whole-record
// upsert, so listing sessions never touches a live coordinator.
package session
