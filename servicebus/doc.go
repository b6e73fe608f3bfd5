/*
Package servicebus is the per-service facade over the coordination fabric. A Bus is
owned explicitly by one service process: it holds the subscription registry, the
publisher, the dispatcher, the idempotency tracker and the saga coordinator, and runs
them against one transport until its context ends. There is no global state.
*/
package servicebus
