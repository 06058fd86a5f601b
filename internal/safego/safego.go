// Package safego launches background goroutines that survive panics.
package safego

import "log/slog"

// Go runs fn on its own goroutine, recovering and logging any panic instead
// of letting it take the process down. The request middleware records audit
// events through this so a malformed event can never kill the server.
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "panic", r)
			}
		}()
		fn()
	}()
}
