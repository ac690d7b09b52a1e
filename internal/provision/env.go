package provision

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"mng/internal/mngerrors"
)

// MergeEnv builds the agent environment from its three sources, later
// overriding earlier: (a) variables named in PassEnv forwarded from the
// invoking shell; (b) literal KEY=VALUE pairs; (c) entries from EnvFiles.
func MergeEnv(opts EnvOptions) (map[string]string, error) {
	merged := make(map[string]string)

	for _, name := range opts.PassEnv {
		if value, ok := os.LookupEnv(name); ok {
			merged[name] = value
		}
	}

	for _, pair := range opts.Literals {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, mngerrors.NewUserInputError("malformed env pair %q: expected KEY=VALUE", pair)
		}
		merged[key] = value
	}

	for _, file := range opts.EnvFiles {
		entries, err := godotenv.Read(file)
		if err != nil {
			return nil, fmt.Errorf("reading env file %s: %w", file, err)
		}
		for key, value := range entries {
			merged[key] = value
		}
	}

	return merged, nil
}
