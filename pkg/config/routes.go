package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// RouteFile is the on-disk shape of the route configuration.
type RouteFile struct {
	Routes []domain.RouteConfig `yaml:"routes" validate:"dive"`
}

var routeValidator = validator.New(validator.WithRequiredStructEnabled())

// LoadRoutes reads and validates the route file at path.
func LoadRoutes(path string) ([]domain.RouteConfig, error) {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read route file %s: %w", path, err)
	}
	routes, err := ParseRoutes(data)
	if err != nil {
		return nil, fmt.Errorf("route file %s: %w", path, err)
	}
	return routes, nil
}

// ParseRoutes decodes a route document. Unknown fields are rejected, every
// route is validated and route ids must be unique. Routes without an id get
// one derived from their route name and provider.
func ParseRoutes(data []byte) ([]domain.RouteConfig, error) {
	var file RouteFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRoute, err)
	}

	var errs []error
	seen := make(map[string]int, len(file.Routes))
	for i := range file.Routes {
		route := &file.Routes[i]
		if route.ID == "" && route.RouteName != "" && route.Provider != "" {
			route.ID = fmt.Sprintf("%s-%s-%d", route.RouteName, route.Provider, i)
		}
		if err := routeValidator.Struct(route); err != nil {
			errs = append(errs, fmt.Errorf("%w: routes[%d]: %s", domain.ErrInvalidRoute, i, describe(err)))
			continue
		}
		if prev, dup := seen[route.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: routes[%d]: id %q already used by routes[%d]", domain.ErrInvalidRoute, i, route.ID, prev))
			continue
		}
		seen[route.ID] = i
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return file.Routes, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
