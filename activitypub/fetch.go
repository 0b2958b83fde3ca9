package activitypub

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/doyensec/safeurl"

	"github.com/deemkeen/mammut/util"
)

const (
	contentTypeActivity = "application/activity+json"
	fetchTimeout        = 10 * time.Second
	maxResponseBytes    = 1 << 20 // 1 MiB
)

// NewFederationClient builds the outbound HTTP client used for actor
// fetches and deliveries. It refuses loopback, private and link-local
// destinations so a crafted actor URI cannot probe the local network.
func NewFederationClient() *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(fetchTimeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()
	return safeurl.Client(config).Client
}

// fetchActivityJSON GETs a federation resource with the activity+json
// accept header and returns the raw body, capped at maxResponseBytes.
func fetchActivityJSON(client *http.Client, uri string) ([]byte, error) {
	req, err := http.NewRequest("GET", uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", contentTypeActivity)
	req.Header.Set("User-Agent", util.UserAgent())

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch of %s failed with status: %d", uri, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}
