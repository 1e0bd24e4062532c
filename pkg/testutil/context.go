package testutil

import (
	"net/http"

	id "proxyvote/pkg/domain"
	"proxyvote/pkg/requestcontext"
)

// WithActor adds a caller account to the request context. This simulates what
// the actor-auth middleware would do for authenticated requests. Invalid IDs
// are silently ignored.
func WithActor(req *http.Request, actor string) *http.Request {
	if parsed, err := id.ParseAccountID(actor); err == nil {
		return req.WithContext(requestcontext.WithActor(req.Context(), parsed))
	}
	return req
}
