package pelagogql

import (
	"errors"

	gqlerrors "github.com/graph-gophers/graphql-go/errors"
)

// ApplicationError is an error a resolver intends to be client-visible. Any
// other execution error is masked before leaving the service.
type ApplicationError struct {
	Message string
	Code    string
}

func NewApplicationError(message, code string) *ApplicationError {
	return &ApplicationError{Message: message, Code: code}
}

func (e *ApplicationError) Error() string {
	return e.Message
}

// Extensions surfaces the error code through the graphql extensions field.
func (e *ApplicationError) Extensions() map[string]interface{} {
	return map[string]interface{}{"code": e.Code}
}

// FilterErrors returns the errors safe to show a client: application errors
// pass through, everything else collapses to a generic internal error.
func FilterErrors(errs []*gqlerrors.QueryError) []*gqlerrors.QueryError {
	if len(errs) == 0 {
		return nil
	}
	filtered := make([]*gqlerrors.QueryError, 0, len(errs))
	for _, qe := range errs {
		var appErr *ApplicationError
		if qe.ResolverError != nil && errors.As(qe.ResolverError, &appErr) {
			filtered = append(filtered, qe)
			continue
		}
		if qe.ResolverError == nil {
			// validation errors carry no resolver error and leak nothing
			filtered = append(filtered, qe)
			continue
		}
		filtered = append(filtered, &gqlerrors.QueryError{
			Message:    "Internal system error",
			Extensions: map[string]interface{}{"code": "internalError"},
		})
	}
	return filtered
}
