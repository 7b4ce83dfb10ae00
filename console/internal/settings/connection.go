package settings

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

type AuthMethod string

const (
	AuthToken AuthMethod = "token"
	AuthBasic AuthMethod = "basic"
)

// ConnectionConfig holds what is needed to reach the GPS server for one
// organization. Exactly one credential set is filled, chosen by AuthMethod.
type ConnectionConfig struct {
	ServerURL      string     `json:"serverUrl" validate:"required,url"`
	AuthMethod     AuthMethod `json:"authMethod" validate:"required,oneof=token basic"`
	APIToken       string     `json:"apiToken,omitempty" validate:"required_if=AuthMethod token,excluded_if=AuthMethod basic"`
	Username       string     `json:"username,omitempty" validate:"required_if=AuthMethod basic,excluded_if=AuthMethod token"`
	Password       string     `json:"password,omitempty" validate:"required_if=AuthMethod basic,excluded_if=AuthMethod token"`
	OrganizationID string     `json:"organizationId" validate:"required"`
	LastTested     *time.Time `json:"lastTested,omitempty"`
	IsValid        bool       `json:"isValid"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidationError lists every connection field that failed a rule.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "invalid connection config"
	}
	return "invalid connection config: " + strings.Join(e.Problems, "; ")
}

// Normalize trims user input and drops a trailing slash from the server URL.
func (c ConnectionConfig) Normalize() ConnectionConfig {
	c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
	c.AuthMethod = AuthMethod(strings.ToLower(strings.TrimSpace(string(c.AuthMethod))))
	c.APIToken = strings.TrimSpace(c.APIToken)
	c.Username = strings.TrimSpace(c.Username)
	c.OrganizationID = strings.TrimSpace(c.OrganizationID)
	return c
}

func (c ConnectionConfig) Validate() error {
	var problems []string
	if err := validatorInstance().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}
	if c.ServerURL != "" {
		if u, err := url.Parse(c.ServerURL); err == nil && u.Scheme != "http" && u.Scheme != "https" {
			problems = append(problems, "serverUrl must use http or https")
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", fe.Field())
	case "excluded_if":
		return fmt.Sprintf("%s must be empty for auth method %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "url":
		return fmt.Sprintf("%s is not a valid URL", fe.Field())
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}

// AuthHeader is the Authorization value for both REST and websocket requests.
func (c ConnectionConfig) AuthHeader() string {
	if c.AuthMethod == AuthBasic {
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password))
	}
	return "Bearer " + c.APIToken
}
