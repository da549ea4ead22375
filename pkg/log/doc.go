/*
Package log provides structured logging for Portal using zerolog.

The log package wraps zerolog to give every subsystem (entity store,
write batcher, indexer, class registry) a component-scoped logger with
consistent fields, instead of ad-hoc fmt.Print calls. All logs include
timestamps and support filtering by severity level.

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│  Global Logger (zerolog.Logger), set once via log.Init()  │
	│                     │                                     │
	│  Component loggers: WithComponent("indexer")               │
	│                     WithClass("users")                     │
	│                     WithEntityID("users", 42)               │
	│                     WithIndexKey("by_email")                │
	└────────────────────────────────────────────────────────────┘
*/
package log
