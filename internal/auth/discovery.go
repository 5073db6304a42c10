package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"runtime"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// loadCodeAssist discovery always hits the production endpoint; the
// sandbox hosts return inconsistent project metadata.
const loadCodeAssistURL = "https://cloudcode-pa.googleapis.com/v1internal:loadCodeAssist"

// DefaultProjectID is the known-good shared project used when discovery
// yields nothing and no id was ever stored.
const DefaultProjectID = "rising-fact-p41fc"

// DiscoverProjectID calls loadCodeAssist and returns the managed
// project id, searching cloudaicompanionProject (string or object) and
// allowedIntegrations[*].projectId in that order. hint, when non-empty,
// is passed as the duetProject hint. An empty result with nil error
// means the response carried no project id.
func DiscoverProjectID(ctx context.Context, client *http.Client, accessToken, hint string) (string, error) {
	body := `{"metadata":{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`
	if hint != "" {
		body, _ = sjson.Set(body, "metadata.duetProject", hint)
		body, _ = sjson.Set(body, "cloudaicompanionProject", hint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loadCodeAssistURL, bytes.NewReader([]byte(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", fmt.Sprintf("antigravity/1.11.5 %s/%s", runtime.GOOS, runtime.GOARCH))

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("loadCodeAssist: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(payload, "error.message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", fmt.Errorf("loadCodeAssist returned %d: %s", resp.StatusCode, msg)
	}
	return ExtractProjectID(payload), nil
}

// ExtractProjectID searches a loadCodeAssist response for a managed
// project id. First non-empty match wins.
func ExtractProjectID(payload []byte) string {
	companion := gjson.GetBytes(payload, "cloudaicompanionProject")
	switch companion.Type {
	case gjson.String:
		if companion.String() != "" {
			return companion.String()
		}
	case gjson.JSON:
		if id := companion.Get("id").String(); id != "" {
			return id
		}
	}
	var found string
	gjson.GetBytes(payload, "allowedIntegrations").ForEach(func(_, integration gjson.Result) bool {
		if id := integration.Get("projectId").String(); id != "" {
			found = id
			return false
		}
		return true
	})
	return found
}

var (
	projectAdjectives = []string{"rising", "gentle", "silent", "bright", "steady", "amber", "cobalt", "rapid"}
	projectNouns      = []string{"fact", "wave", "field", "stone", "river", "meadow", "signal", "harbor"}
)

// GenerateTransientProjectID builds a placeholder project id in the
// adjective-noun-suffix shape Google uses for managed projects. The
// caller flags the account for re-discovery.
func GenerateTransientProjectID() string {
	pick := func(list []string) string {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(list))))
		if err != nil {
			return list[0]
		}
		return list[n.Int64()]
	}
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	suffix := make([]byte, 5)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			suffix[i] = 'x'
			continue
		}
		suffix[i] = alphabet[n.Int64()]
	}
	return fmt.Sprintf("%s-%s-%s", pick(projectAdjectives), pick(projectNouns), string(suffix))
}
