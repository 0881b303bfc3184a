package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"

	"github.com/telepy/telepy/internal/script"
	"github.com/telepy/telepy/pkg/types"
)

// Validator instance for request validation
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Report field names as they appear on the wire
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Register custom validation functions
	validate.RegisterValidation("sshpubkey", validateSSHPublicKey)
	validate.RegisterValidation("permissiontier", validatePermissionTier)
	validate.RegisterValidation("scriptvariant", validateScriptVariant)
}

// validateSSHPublicKey checks OpenSSH authorized_keys syntax
func validateSSHPublicKey(fl validator.FieldLevel) bool {
	_, _, _, _, err := ssh.ParseAuthorizedKey([]byte(fl.Field().String()))
	return err == nil
}

// validatePermissionTier validates grantable permission tiers
func validatePermissionTier(fl validator.FieldLevel) bool {
	return types.PermissionTier(fl.Field().String()).Valid()
}

// validateScriptVariant validates script variant names
func validateScriptVariant(fl validator.FieldLevel) bool {
	return script.Variant(fl.Field().String()).Valid()
}

// CreateKeyRequest registers a key and allocates a reverse tunnel
type CreateKeyRequest struct {
	HostFriendlyName string `json:"host_friendly_name" validate:"required,min=1,max=100"`
	Key              string `json:"key" validate:"required,sshpubkey"`
	SSHPort          int    `json:"ssh_port" validate:"required,min=1,max=65535"`
	Description      string `json:"description" validate:"max=500"`
}

// DuplicateCheckRequest probes for an existing name or key
type DuplicateCheckRequest struct {
	HostFriendlyName string `json:"host_friendly_name" validate:"required,min=1,max=100"`
	Key              string `json:"key" validate:"required"`
}

// CreateUserKeyRequest registers a standalone user key
type CreateUserKeyRequest struct {
	HostFriendlyName string `json:"host_friendly_name" validate:"required,min=1,max=100"`
	Key              string `json:"key" validate:"required,sshpubkey"`
	Description      string `json:"description" validate:"max=500"`
}

// PatchDescriptionRequest updates a description field
type PatchDescriptionRequest struct {
	Description string `json:"description" validate:"max=500"`
}

// ShareRequest grants a permission tier on a tunnel
type ShareRequest struct {
	Username string `json:"username" validate:"required,min=1,max=150"`
	Tier     string `json:"permission" validate:"required,permissiontier"`
}

// UpdatePermissionRequest changes an existing grant's tier
type UpdatePermissionRequest struct {
	Tier string `json:"permission" validate:"required,permissiontier"`
}

// AddUsernameRequest registers a remote login name on a tunnel
type AddUsernameRequest struct {
	ReverseTunnelID string `json:"reverse_tunnel_id" validate:"required"`
	Username        string `json:"username" validate:"required,min=1,max=64"`
}

// ValidationError represents a validation error response
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidateRequest validates a struct and returns validation errors
func ValidateRequest(req interface{}) []ValidationError {
	if err := validate.Struct(req); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var errors []ValidationError
			for _, e := range validationErrors {
				errors = append(errors, ValidationError{
					Field:   e.Field(),
					Message: formatValidationError(e),
				})
			}
			return errors
		}
	}
	return nil
}

// formatValidationError creates a human-readable error message from a validation error
func formatValidationError(e validator.FieldError) string {
	field := e.Field()
	tag := e.Tag()
	param := e.Param()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		if param == "1" {
			return fmt.Sprintf("%s cannot be empty", field)
		}
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "sshpubkey":
		return fmt.Sprintf("%s must be a valid OpenSSH public key", field)
	case "permissiontier":
		return fmt.Sprintf("%s must be one of: view, edit, admin", field)
	case "scriptvariant":
		return fmt.Sprintf("%s must be a known script variant", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}

// respondValidationErrors sends a validation error response using Server method
func (s *Server) respondValidationErrors(w http.ResponseWriter, errors []ValidationError) {
	s.ValidationError(w, "Validation failed", errors)
}

// decodeAndValidate decodes a JSON request body and validates it
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		s.BadRequest(w, "Invalid request body: "+err.Error())
		return false
	}

	if errors := ValidateRequest(req); len(errors) > 0 {
		s.respondValidationErrors(w, errors)
		return false
	}

	return true
}
