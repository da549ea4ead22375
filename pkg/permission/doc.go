// Package permission implements the permission proxy (§4.I): a wrapper
// that intercepts ForID, ValueOf, SetValue and Remove on a class, runs
// permission callbacks, and only forwards the call through when every
// callback passes. Subscription calls (Notifies, StopNotifies) are
// forwarded without callbacks.
package permission
