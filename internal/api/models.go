package api

import (
	"fmt"
	"strings"

	"github.com/cloudcode-dev/antigravity-proxy/internal/config"
)

const upstreamModelPrefix = "antigravity-"

// ResolveModel maps the client's model id onto the upstream Antigravity
// model. Ids already carrying the antigravity- prefix pass through
// verbatim; Claude family names route through the alias table. Anything
// else is rejected before a request is built.
func ResolveModel(models config.ModelsConfig, clientModel string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(clientModel))
	switch {
	case lower == "":
		return "", fmt.Errorf("model is required")
	case strings.HasPrefix(lower, upstreamModelPrefix):
		return UpstreamModelID(clientModel), nil
	case strings.Contains(lower, "haiku"):
		return UpstreamModelID(models.Haiku), nil
	case strings.Contains(lower, "sonnet"):
		return UpstreamModelID(models.Sonnet), nil
	case strings.Contains(lower, "opus"):
		return UpstreamModelID(models.Opus), nil
	default:
		return "", fmt.Errorf("model %q is not served by this proxy", clientModel)
	}
}

// UpstreamModelID strips the routing prefix; the backend wants bare
// model ids.
func UpstreamModelID(model string) string {
	return strings.TrimPrefix(strings.TrimSpace(model), upstreamModelPrefix)
}
