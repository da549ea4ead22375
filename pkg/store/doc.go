/*
Package store implements the entity store at the center of Portal
(§4.C through §4.G): an identity map handing out one live object per
(class, id), the KeyValued entity with its readyState lifecycle, the
per-class write batcher that coalesces puts into atomic KV batches, the
class registry that hashes transform source files into a dbVersion and
resets tables on mismatch, and the Cached transform built on top of all
of the above.

A Class[T] owns one table, one in-process event bus, one identity map,
and one write batcher. Cached[T] embeds a Class[T] and layers the
source-subscription and invalidation-on-upstream-change behavior on
top; pkg/index's Index is built the same way, against the Source
interface this package exports.
*/
package store
