// Package yamlconf resolves kong flag values from a YAML file. String
// values may reference environment variables as ${NAME} or
// ${NAME:-fallback}.
package yamlconf

import (
	"errors"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"

	"github.com/gfreezy/mailhook/internal/expand"
)

// Loader is a kong.ConfigurationLoader for YAML files. Nested mappings are
// flattened with dashes, so smtp: { bind: ... } resolves the smtp-bind flag.
func Loader(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	flat := map[string]any{}
	flatten("", values, flat)
	var resolver kong.ResolverFunc = func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
		v, ok := flat[flag.Name]
		if !ok {
			return nil, nil
		}
		if s, ok := v.(string); ok {
			return expand.Expand(s, os.Getenv), nil
		}
		return v, nil
	}
	return resolver, nil
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		name := k
		if prefix != "" {
			name = prefix + "-" + k
		}
		if m, ok := v.(map[string]any); ok {
			flatten(name, m, out)
			continue
		}
		out[name] = v
	}
}
