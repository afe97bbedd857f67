package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
)

// DefaultClientConfigURL serves the rotating client credential sets. The
// published blobs change whenever Crunchyroll revokes a client, so they are
// fetched at startup rather than compiled in.
const DefaultClientConfigURL = "https://reroll.is-cool.dev/latest.json"

// ClientConfig holds the API client identity: user agents, Basic-auth
// credential blobs and app versions for the device (Android TV) and mobile
// client sets. It is built once at startup and never mutated afterwards;
// everything that needs it receives it by injection.
type ClientConfig struct {
	DeviceAuth       string
	DeviceUserAgent  string
	DeviceAppVersion string

	MobileAuth       string
	MobileUserAgent  string
	MobileAppVersion string

	// Parsed out of DeviceAuth for grant_type=client_id requests.
	DeviceClientID     string
	DeviceClientSecret string

	// Stable per-install identifier sent with every token grant.
	DeviceID   string
	DeviceName string
	DeviceType string
}

type clientConfigJSON struct {
	AndroidTV *clientSetJSON `json:"android-tv"`
	Mobile    *clientSetJSON `json:"mobile"`

	// Legacy flat layout, still published by older mirrors.
	Auth       string `json:"auth"`
	UserAgent  string `json:"user-agent"`
	AppVersion string `json:"app-version"`
}

type clientSetJSON struct {
	Auth       string `json:"auth"`
	UserAgent  string `json:"user-agent"`
	AppVersion string `json:"app-version"`
}

// FetchClientConfig downloads and parses the client configuration.
func FetchClientConfig(ctx context.Context, client *http.Client, url string) (*ClientConfig, error) {
	if url == "" {
		url = DefaultClientConfigURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch client config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client config fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read client config: %w", err)
	}

	return ParseClientConfig(body)
}

// ParseClientConfig builds a ClientConfig from a latest.json document,
// accepting both the per-client and the legacy flat layout.
func ParseClientConfig(data []byte) (*ClientConfig, error) {
	var raw clientConfigJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}

	cfg := &ClientConfig{
		DeviceName: "crunchyd",
		DeviceType: "MediaCenter",
	}

	if raw.AndroidTV != nil {
		cfg.DeviceAuth = raw.AndroidTV.Auth
		cfg.DeviceUserAgent = raw.AndroidTV.UserAgent
		cfg.DeviceAppVersion = raw.AndroidTV.AppVersion
	}
	if raw.Mobile != nil {
		cfg.MobileAuth = raw.Mobile.Auth
		cfg.MobileUserAgent = raw.Mobile.UserAgent
		cfg.MobileAppVersion = raw.Mobile.AppVersion
	}

	// Legacy flat layout maps onto the mobile client set.
	if raw.AndroidTV == nil && raw.Mobile == nil {
		cfg.MobileAuth = raw.Auth
		cfg.MobileUserAgent = raw.UserAgent
		cfg.MobileAppVersion = raw.AppVersion
	}

	if cfg.DeviceAuth == "" && cfg.MobileAuth == "" {
		return nil, fmt.Errorf("client config contains no credentials")
	}

	if cfg.DeviceAuth != "" {
		id, secret, err := splitBasicAuth(cfg.DeviceAuth)
		if err != nil {
			return nil, fmt.Errorf("failed to parse device credentials: %w", err)
		}
		cfg.DeviceClientID = id
		cfg.DeviceClientSecret = secret
	}

	return cfg, nil
}

// UserAgent returns the user agent for the given client kind, falling back to
// whichever set is configured.
func (c *ClientConfig) UserAgent(kind string) string {
	switch kind {
	case "device":
		if c.DeviceUserAgent != "" {
			return c.DeviceUserAgent
		}
		return c.MobileUserAgent
	default:
		if c.MobileUserAgent != "" {
			return c.MobileUserAgent
		}
		return c.DeviceUserAgent
	}
}

// BasicAuth returns the Basic credential blob for the given client kind.
func (c *ClientConfig) BasicAuth(kind string) string {
	switch kind {
	case "device":
		return c.DeviceAuth
	default:
		if c.MobileAuth != "" {
			return c.MobileAuth
		}
		return c.DeviceAuth
	}
}

func splitBasicAuth(b64 string) (id, secret string, err error) {
	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", "", fmt.Errorf("failed to decode: %w", err)
	}
	id, secret, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", fmt.Errorf("credential blob is not id:secret")
	}
	return id, secret, nil
}

const (
	deviceIDCharset = "0123456789abcdefghijklmnopqrstuvwxyz"

	// Fixed second segment; the pairing endpoints expect this client
	// marker from media-center installs.
	deviceIDMarker = "KODI"
)

// GenerateDeviceID produces a stable-format random device identifier as
// xxxxxxxx-KODI-xxxx-xxxx-xxxxxxxxxxxx, the layout the activation endpoints
// expect from TV clients.
func GenerateDeviceID() (string, error) {
	segments := []int{8, 4, 4, 12}
	parts := make([]string, 0, len(segments)+1)
	for i, n := range segments {
		var sb strings.Builder
		for range n {
			idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(deviceIDCharset))))
			if err != nil {
				return "", fmt.Errorf("failed to generate device id: %w", err)
			}
			sb.WriteByte(deviceIDCharset[idx.Int64()])
		}
		parts = append(parts, sb.String())
		if i == 0 {
			parts = append(parts, deviceIDMarker)
		}
	}
	return strings.Join(parts, "-"), nil
}
