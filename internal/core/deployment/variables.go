package deployment

import (
	"fmt"
	"strings"

	"github.com/artpar/dockyard/internal/core/manifest"
	"github.com/compose-spec/compose-go/v2/template"
)

// =============================================================================
// Variable Substitution Functions
// =============================================================================

// SubstituteVariables interpolates ${VAR}, $VAR and ${VAR:-default} placeholders
// in raw manifest text using the deployment's env overrides.
//
// Behavior follows compose interpolation:
//   - ${VAR} - replaced with variables["VAR"], or an empty string when unset
//   - ${VAR:-default} - replaced with variables["VAR"] if set and non-empty, otherwise "default"
//   - ${VAR:?message} - fails when VAR is unset or empty
//   - $$ - a literal dollar sign
//
// Failures are returned as *manifest.ParseError so they match manifest.ErrMalformedManifest.
//
// Example:
//
//	SubstituteVariables("image: nginx:${TAG:-latest}", map[string]string{"TAG": "1.25"})
//	// Returns: "image: nginx:1.25"
func SubstituteVariables(content string, variables map[string]string) (string, error) {
	if !strings.Contains(content, "$") {
		return content, nil
	}

	out, err := template.Substitute(content, func(name string) (string, bool) {
		v, ok := variables[name]
		return v, ok
	})
	if err != nil {
		return "", manifest.NewParseError("", fmt.Sprintf("interpolation failed: %v", err), err)
	}
	return out, nil
}

// ApplyEnvOverrides replaces the value of every environment entry whose key
// has an override. Entries without an override are kept unchanged and keys
// the service does not declare are not added.
//
// Example:
//
//	ApplyEnvOverrides([]string{"MODE=dev", "PORT=80"}, map[string]string{"MODE": "prod"})
//	// Returns: []string{"MODE=prod", "PORT=80"}
func ApplyEnvOverrides(env []string, overrides map[string]string) []string {
	result := make([]string, 0, len(env))
	for _, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if v, ok := overrides[key]; ok {
			result = append(result, key+"="+v)
			continue
		}
		result = append(result, entry)
	}
	return result
}
