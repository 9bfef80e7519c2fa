package chatline

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/putto11262002/chatline/core"
	"github.com/putto11262002/chatline/pkg/router"
)

var errInvalidInput = router.NewJsonError(http.StatusBadRequest, "invalid input")

func registerErrorMappers(r *router.Router) {
	mapTo := func(status int) router.ErrorMapper {
		return func(err error) router.Error {
			return router.NewJsonError(status, err.Error())
		}
	}
	r.RegisterErrorMapper(core.ErrInvalidUser, mapTo(http.StatusBadRequest))
	r.RegisterErrorMapper(core.ErrInvalidChat, mapTo(http.StatusNotFound))
	r.RegisterErrorMapper(core.ErrInvalidParticipant, mapTo(http.StatusBadRequest))
	r.RegisterErrorMapper(core.ErrDisAllowedOperation, mapTo(http.StatusForbidden))
	r.RegisterErrorMapper(core.ErrConflictedUser, mapTo(http.StatusConflict))
	r.RegisterErrorMapper(core.ErrBadCredentials, mapTo(http.StatusUnauthorized))
	r.RegisterErrorMapper(core.ErrUnauthenticated, mapTo(http.StatusUnauthorized))
	r.RegisterErrorMapper(core.ErrUnauthorized, mapTo(http.StatusForbidden))
}

// validationError turns a validation failure into a 400 response keyed by the
// json name of each offending field.
func validationError(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return router.NewJsonError(http.StatusBadRequest, err.Error())
	}
	trans, _ := uniTrans.GetTranslator("en")
	fields := make(map[string]string, len(errs))
	for _, fe := range errs {
		key := fe.Namespace()
		if _, rest, ok := strings.Cut(key, "."); ok {
			key = rest
		}
		fields[key] = fe.Translate(trans)
	}
	return router.NewJsonError(http.StatusBadRequest, FormatValidationErrors(err)).WithFields(fields)
}
