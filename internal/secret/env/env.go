// Package env resolves secrets from environment variables.
package env

import (
	"context"
	"fmt"
	"os"
)

// Resolver reads secrets from the process environment.
type Resolver struct{}

// New creates an environment resolver.
func New() *Resolver {
	return &Resolver{}
}

// Resolve returns the value of the named environment variable. An unset
// variable is an error; an empty value is returned as-is.
func (r *Resolver) Resolve(_ context.Context, name string) (string, error) {
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", name)
	}
	return val, nil
}

// Close is a no-op.
func (r *Resolver) Close() error {
	return nil
}
