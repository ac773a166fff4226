// Package dedupe tracks client-supplied idempotency keys for a bounded time
// window so a retried request can be answered with the original result
// instead of being applied twice.
package dedupe
