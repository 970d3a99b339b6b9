package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fairyhunter13/contest-core/internal/domain"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeAndValidate decodes the JSON body into dst and runs struct-tag
// validation, mapping both failure modes to ErrInvalidArgument.
func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", domain.ErrInvalidArgument)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("validation failed: %v: %w", err, domain.ErrInvalidArgument)
	}
	return nil
}
