// Package webhook delivers job lifecycle notifications to client URLs.
//
// A [Sender] queues deliveries on a bounded channel and a fixed set of
// worker goroutines post them with bounded, exponentially spaced retries.
// 4xx responses are final. When a secret is configured each body is signed
// with HMAC-SHA256 and the hex digest is sent in X-Conductor-Signature.
//
// [ValidateURL] is the admission-time guard: only http and https URLs whose
// host resolves exclusively to public addresses are accepted.
//
// [Notifier] is an ext.Extension that maps lifecycle hooks onto the
// webhook events a job subscribed to.
package webhook
