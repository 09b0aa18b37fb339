package interfaces

import (
	"context"

	"portal-relay/src/models"
)

// -----------------------------------------------------------------------------
// IRequester defines the contract for paced HTTP calls to the portal.
// -----------------------------------------------------------------------------

type IRequester interface {

	// -----------------------------------------------------------------------------

	// Request performs a call relative to the API root and returns the raw body.
	Request(ctx context.Context, method, path string, opts models.MRequestOptions) ([]byte, error)

	// -----------------------------------------------------------------------------

	// RequestJSON performs a call and decodes the JSON body into out.
	RequestJSON(ctx context.Context, method, path string, opts models.MRequestOptions, out interface{}) error
}
