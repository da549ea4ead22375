/*
Package opctx is the ambient per-call context (§6): a preferred
version, an optional ifModifiedSince hint, and a session reference,
carried over the standard context.Context value chain instead of a
thread-local global. pkg/store's entity store reads the ifModifiedSince
hint from it in ValueOf (the preferred version is carried but not read
there); pkg/permission derives a fresh context with NewContext that
keeps the session but drops the version and hint before running the
wrapped call.
*/
package opctx
