// Package notifier delivers reminder text to the channel that owns a user id.
//
// An owner id of the form "<channel>:<address>" ("telegram:12345",
// "whatsapp:+15550100") is routed to the Sender registered for that channel.
// Anything else goes to the console sender.
//
// # Delivery
//
// Send is synchronous. Each attempt waits on a shared rate limiter and is
// bounded by SendTimeout; transient failures are retried with exponential
// backoff and jitter. Errors wrapping transport.ErrPermanent are not retried.
//
// # History
//
// For debugging and operator visibility, the service keeps a small in-memory
// history of recent deliveries, failed ones included.
package notifier
