/*
Package bus is the reactive event bus classes publish change
notifications through (§6). An Event carries a Kind (added, replaced,
deleted, reset), the emitting class's name, the affected entity id, and
the completion handles a listener needs to track downstream work
(WhenWritten, UpdatesInProgress).

Delivery is synchronous: Publish walks every subscriber in
registration order on the caller's goroutine, so by the time a class's
update protocol finishes publishing, every dependent Cached transform
and Index has already enqueued its reaction. This trades the teacher's
async buffered-channel broker for a determinism guarantee §8's index
freshness property depends on.
*/
package bus
