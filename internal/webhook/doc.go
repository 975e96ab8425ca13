// Package webhook accepts compile requests signed with HMAC-SHA256 on a
// separate listener.
//
// The request body is the TINY program itself. Each endpoint has its own
// shared secret and signature header; a valid request is queued and answered
// with 202 and the run ID, and the outcome lands in the run history.
//
//	webhooks:
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /hooks/ci
//	      secret: ${TINYC_HOOK_SECRET}
//	      signature_header: X-Hub-Signature-256
//	      max_body_size: 256KiB
//
// Missing or wrong signatures get a bare 403, unknown paths 404 and bodies
// over the limit 413.
package webhook
