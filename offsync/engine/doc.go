// Package engine implements the offline-first sync engine: a lifecycle-managed
// runtime owning a push lane (outbox to transport), a pull lane (cursor based,
// debounced fetch), and a notify lane (realtime subscription feeding pulls),
// all scoped to a single-instance lease.
//
// An Engine is idle until Start acquires the lease. Stop releases it and keeps
// queued writes for the next run; Dispose is terminal. Errors and lifecycle
// events are delivered to optional observer callbacks that can never disturb
// engine state:
//
//	eng, err := engine.New(engine.Dependencies{
//		Transport: transport,
//		Applier:   applier,
//		Outbox:    box,
//		Cursor:    cur,
//		LockStore: store,
//	}, engine.WithLogger(logger), engine.WithOnError(func(err error, phase engine.Phase) {
//		// report
//	}))
//	if err != nil {
//		return err
//	}
//
//	if err := eng.Start(ctx); err != nil && !errors.Is(err, engine.ErrLockUnavailable) {
//		return err
//	}
//	defer eng.Dispose(context.Background())
package engine
