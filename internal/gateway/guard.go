package gateway

import (
	"errors"
	"fmt"
)

// ForbiddenModelKeys are environment variables holding model-provider
// credentials. The gateway refuses to run while any of them is set.
var ForbiddenModelKeys = []string{
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
	"GOOGLE_API_KEY",
	"MOONSHOT_API_KEY",
}

var ErrModelCredentials = errors.New("gateway must not own model credentials")

func CheckNoModelCredentials(getenv func(string) string) error {
	for _, key := range ForbiddenModelKeys {
		if getenv(key) != "" {
			return fmt.Errorf("%s is present in the gateway environment: %w", key, ErrModelCredentials)
		}
	}
	return nil
}
