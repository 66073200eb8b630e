/*
Package llm implements the chat completion side of the gateway.

# Architecture Overview

1. Service (service.go)
  - ChatCompletion coalesces concurrent calls that share a session id and
    the first 50 runes of the message, then runs its own retry loop on top
    of the outbound governor (internal/netguard).
  - ChatCompletionWithModelFallback walks the fallback ladder after the
    preferred model failed and reports the preferred model's error when
    every model failed.
  - HealthCheck sends a five token ping.

2. HTTP Handlers (handlers.go)
  - POST /api/chat, GET /api/chat/health and the conversation endpoints.
  - Chat history is read from and written to a ConversationStore.

3. Errors (errors.go)
  - APIError, FallbackError and the mapping from errors to HTTP statuses.

4. Configuration (config.go) and session tokens (token.go)

# Retry layers

The governor retries transport failures, timeouts, 429 and 5xx responses.
Service retries on top of that and additionally treats a 2xx response
without completion text as transient. Both layers stop at once on 4xx
responses other than 429, admission rejections and cancellations. Both use
utils.Backoff.
*/
package llm
