// Package signature verifies the HMAC signatures GitHub attaches to webhook deliveries.
//
// GitHub signs the raw request body with the shared webhook secret and sends the result
// in two headers:
//
//	X-Hub-Signature-256: sha256=<hex>
//	X-Hub-Signature:     sha1=<hex>
//
// The SHA-256 header is preferred; the SHA-1 header is only consulted for senders that
// do not send the newer one. An empty secret disables verification.
package signature
