// Package agrimater is the Agrimater chat gateway.
//
// # Overview
//
// The gateway fronts the Groq OpenAI-compatible chat completions API for the
// Agrimater website assistant. A single outbound request governor sits
// between every handler and the network:
//
//   - Coalescing: identical requests started within one second share one
//     network call and one result.
//   - Budget: at most 50 upstream requests per rolling five minute window.
//   - Concurrency: at most 6 admitted requests in flight; excess requests
//     are rejected, not queued.
//   - Retries: network errors, timeouts, HTTP 429 and 5xx are retried with
//     exponential backoff and jitter; other 4xx are returned at once.
//   - Cancellation: in-flight requests can be cancelled by URL or key
//     pattern, and Reset tears down all state.
//
// On top of the governor the completion client coalesces by session and
// message prefix, retries malformed responses and falls back through an
// ordered ladder of models.
//
// # Packages
//
//   - internal/netguard: the request governor
//   - internal/llm: completion client, session tokens and chat handlers
//   - internal/auth: email one-time passwords and admin API keys
//   - internal/store: SQLite conversation history
//   - internal/app: router, middleware, health, sign-in and admin routes
//   - cmd: the agrimater CLI (serve, chat, token); cmd/apitest smoke tester
//
// # API Endpoints
//
//   - POST /api/chat {message, sessionId, model}: answer a message
//   - GET /api/chat/health: five token ping against the default model
//   - GET /api/health: gateway status, configuration flags and governor counters
//   - POST /api/auth/send-otp {email, name}: email a six digit code
//   - POST /api/auth/verify-otp {email, otp}: exchange the code for a session token
//   - POST /api/conversation, GET /api/conversation: conversation history (session token)
//   - GET /admin/network/status, POST /admin/network/cancel, POST /admin/network/reset:
//     governor administration (API key from VALID_API_KEYS)
//
// Example chat request body:
//
//	{
//	  "message": "How does Agrimater verify produce?",
//	  "sessionId": "c6f1e2"
//	}
//
// # Configuration
//
// Settings come from the environment (optionally loaded from .env) and an
// optional YAML file named by AGRIMATER_CONFIG; the environment wins. See
// cmd/main.go for the full list of variables.
package agrimater
