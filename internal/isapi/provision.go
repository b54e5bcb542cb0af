package isapi

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DeviceClient configures terminals over ISAPI with Digest auth: it points
// the device's httpHost at our webhook and enables the wanted event
// triggers. One-shot at startup; the bridge never writes to devices beyond
// this and ACKs.
type DeviceClient struct {
	host    string
	port    int
	baseURL string
	digest  *DigestAuth
	client  *http.Client
	logger  *log.Logger
}

// DeviceInfo is the subset of /ISAPI/System/deviceInfo the bridge reads.
type DeviceInfo struct {
	DeviceID string `xml:"deviceID"`
	Model    string `xml:"model"`
	MacAddr  string `xml:"macAddress"`
}

// NewDeviceClient creates a provisioning client for one terminal.
func NewDeviceClient(host string, port int, username, password string, logger *log.Logger) *DeviceClient {
	if port == 0 {
		port = 80
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[PROVISION] ", log.LstdFlags)
	}
	return &DeviceClient{
		host:    host,
		port:    port,
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		digest:  NewDigestAuth(username, password),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// request performs one HTTP call with a transparent single retry on a
// Digest challenge.
func (dc *DeviceClient) request(ctx context.Context, method, url string, body []byte, contentType string) (*http.Response, error) {
	build := func(auth string) (*http.Request, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		return req, nil
	}

	req, err := build("")
	if err != nil {
		return nil, err
	}
	resp, err := dc.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenge := resp.Header.Get("WWW-Authenticate")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if !strings.Contains(strings.ToLower(challenge), "digest") || !dc.digest.UpdateFromChallenge(challenge) {
		return resp, nil
	}
	auth, err := dc.digest.AuthorizationHeader(method, url)
	if err != nil {
		return nil, err
	}
	retry, err := build(auth)
	if err != nil {
		return nil, err
	}
	return dc.client.Do(retry)
}

// IsReachable probes the device info endpoint.
func (dc *DeviceClient) IsReachable(ctx context.Context) bool {
	resp, err := dc.request(ctx, http.MethodGet, dc.baseURL+"/ISAPI/System/deviceInfo", nil, "")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 500
}

// GetDeviceInfo fetches identity fields used to sanity-check config.
func (dc *DeviceClient) GetDeviceInfo(ctx context.Context) (*DeviceInfo, error) {
	resp, err := dc.request(ctx, http.MethodGet, dc.baseURL+"/ISAPI/System/deviceInfo", nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("isapi: deviceInfo %s: HTTP %d: %s", dc.host, resp.StatusCode, body)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var info DeviceInfo
	if err := xml.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("isapi: deviceInfo parse %s: %w", dc.host, err)
	}
	return &info, nil
}

// BuildHTTPHostPayload renders the HttpHostNotification document that points
// the device at callbackURL.
func BuildHTTPHostPayload(callbackURL string, hostID int) (string, error) {
	parsed, err := url.Parse(callbackURL)
	if err != nil {
		return "", err
	}
	port := parsed.Port()
	if port == "" {
		if parsed.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}

	return fmt.Sprintf(`<HttpHostNotification version="2.0" xmlns="http://www.hikvision.com/ver20/XMLSchema">
  <id>%d</id>
  <enabled>true</enabled>
  <addressingFormatType>ipaddress</addressingFormatType>
  <ipAddress>%s</ipAddress>
  <portNo>%s</portNo>
  <protocolType>HTTP</protocolType>
  <url>%s</url>
  <httpAuthenticationMethod>digest</httpAuthenticationMethod>
</HttpHostNotification>`, hostID, parsed.Hostname(), port, path), nil
}

// ConfigureHTTPHost installs the webhook callback on the device.
func (dc *DeviceClient) ConfigureHTTPHost(ctx context.Context, callbackURL string, hostID int) error {
	payload, err := BuildHTTPHostPayload(callbackURL, hostID)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/ISAPI/Event/notification/httpHosts/%d", dc.baseURL, hostID)
	resp, err := dc.request(ctx, http.MethodPut, url, []byte(payload), `application/xml; charset="UTF-8"`)
	if err != nil {
		return fmt.Errorf("isapi: configure httpHost %s: %w", dc.host, err)
	}
	defer resp.Body.Close()

	if !provisioningOK(resp.StatusCode) {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("isapi: configure httpHost %s: HTTP %d: %s", dc.host, resp.StatusCode, body)
	}
	dc.logger.Printf("configured httpHost on %s (id=%d)", dc.host, hostID)
	return nil
}

// BuildEventTriggerPayload renders the EventTriggerNotificationList that
// enables the named event types against a configured httpHost.
func BuildEventTriggerPayload(eventTypes []string, hostID int) string {
	var entries strings.Builder
	for i, evt := range eventTypes {
		fmt.Fprintf(&entries, `
  <EventTriggerNotification>
    <id>%d</id>
    <eventType>%s</eventType>
    <eventDescription>auto</eventDescription>
    <protocolType>HTTP</protocolType>
    <httpHostId>%d</httpHostId>
    <triggerState>true</triggerState>
  </EventTriggerNotification>`, i+1, evt, hostID)
	}
	return fmt.Sprintf(`<EventTriggerNotificationList version="2.0" xmlns="http://www.hikvision.com/ver20/XMLSchema">%s
</EventTriggerNotificationList>`, entries.String())
}

// EnableEvents turns on notifications for the given event types.
func (dc *DeviceClient) EnableEvents(ctx context.Context, eventTypes []string, hostID int) error {
	payload := BuildEventTriggerPayload(eventTypes, hostID)

	url := dc.baseURL + "/ISAPI/Event/notification/trigger"
	resp, err := dc.request(ctx, http.MethodPut, url, []byte(payload), `application/xml; charset="UTF-8"`)
	if err != nil {
		return fmt.Errorf("isapi: enable events %s: %w", dc.host, err)
	}
	defer resp.Body.Close()

	if !provisioningOK(resp.StatusCode) {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("isapi: enable events %s: HTTP %d: %s", dc.host, resp.StatusCode, body)
	}
	dc.logger.Printf("enabled events on %s: %s", dc.host, strings.Join(eventTypes, ","))
	return nil
}

func provisioningOK(status int) bool {
	return status == http.StatusOK || status == http.StatusCreated || status == http.StatusNoContent
}
