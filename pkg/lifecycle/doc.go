// Package lifecycle provides the start/stop state machine shared by
// long-running devlink components such as the instruction server.
//
// # Usage
//
//	manager := lifecycle.NewManager(logger, emitter)
//
//	if !manager.CanStart() {
//	    return lifecycle.ErrAlreadyRunning
//	}
//	if err := manager.TransitionTo(lifecycle.StateStarting, "start requested"); err != nil {
//	    return err
//	}
//
//	ctx := manager.Begin(parent)
//	manager.Go(func() error { return serve(ctx) })
//
//	// Graceful shutdown
//	manager.Cancel()
//	if err := manager.WaitWithTimeout(30 * time.Second); err != nil {
//	    return err
//	}
//
// # State Machine
//
// Valid state transitions:
//   - Stopped -> Starting
//   - Starting -> Running, Stopping, Crashed
//   - Running -> Stopping, Crashed
//   - Stopping -> Stopped, Crashed
//   - Crashed -> Starting
package lifecycle
