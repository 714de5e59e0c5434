/*
Package event provides a type-safe pub/sub event system for the execution
service.

The bus decouples the session registry and HTTP layer from observers:
publishers emit events and subscribers react to them without direct
dependencies. It is built on watermill's gochannel for infrastructure
while keeping direct-call semantics to preserve type information.

# Event Types

  - session.created: a session was created
  - session.stopped: a session was stopped and its kernel shut down
  - plugin.loaded: a plugin was loaded into a session
  - execution.started: an execute request began running
  - execution.completed: an execute request finished (success or failure)

# Usage

Each server owns its bus instance:

	bus := event.NewBus()
	defer bus.Close()

	unsubscribe := bus.Subscribe(event.SessionCreated, func(e event.Event) {
		data := e.Data.(event.SessionCreatedData)
		logging.Info().Str("session", data.SessionID).Msg("created")
	})
	defer unsubscribe()

	bus.Publish(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionCreatedData{SessionID: id, Cwd: cwd},
	})

# Subscriber Safety

With PublishSync, subscribers run in the publisher's goroutine. They must
complete quickly, use non-blocking channel sends, and never publish
re-entrantly or acquire locks the publisher might hold.

# Thread Safety

The bus is safe for concurrent use. Publish runs each subscriber in its
own goroutine; PublishSync calls subscribers in order in the caller's
goroutine, so use it when ordering matters.

# Integration with Watermill

PubSub exposes the underlying gochannel for middleware or routing, which
leaves room to migrate to a distributed broker without changing the API.
*/
package event
