// Package whatsapp wraps the WhatsApp Business Cloud API: outbound text
// messages, media download and inbound webhook payloads.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"agentbridge/internal/domain"
)

const (
	defaultAPIBase = "https://graph.facebook.com/v21.0"
	// maxTextLen is the Cloud API limit for a text message body.
	maxTextLen = 4096
	// maxMediaBytes is the Cloud API limit for audio media.
	maxMediaBytes = 16 << 20
)

// ClientConfig configures the WhatsApp Cloud API client.
type ClientConfig struct {
	APIBase         string
	AccessToken     string
	PhoneNumberID   string
	SendTimeout     time.Duration
	DownloadTimeout time.Duration
	Logger          *slog.Logger
}

// Client sends replies and downloads media through the Graph API.
type Client struct {
	apiBase       string
	accessToken   string
	phoneNumberID string
	send          *http.Client
	download      *http.Client
	logger        *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 30 * time.Second
	}
	return &Client{
		apiBase:       strings.TrimRight(cfg.APIBase, "/"),
		accessToken:   cfg.AccessToken,
		phoneNumberID: cfg.PhoneNumberID,
		send:          &http.Client{Timeout: cfg.SendTimeout},
		download:      &http.Client{Timeout: cfg.DownloadTimeout},
		logger:        cfg.Logger,
	}
}

// Send delivers body to recipient as one or more text messages. Bodies longer
// than the platform limit are split at word boundaries. The first failed
// chunk aborts the rest.
func (c *Client) Send(ctx context.Context, recipient string, body string) error {
	for _, chunk := range splitMessage(body, maxTextLen) {
		if err := c.sendText(ctx, recipient, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendText(ctx context.Context, to string, text string) error {
	url := fmt.Sprintf("%s/%s/messages", c.apiBase, c.phoneNumberID)

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"preview_url": false, "body": text},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return &domain.DeliveryError{RecipientID: to, Err: fmt.Errorf("marshal: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return &domain.DeliveryError{RecipientID: to, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.send.Do(req)
	if err != nil {
		return &domain.DeliveryError{RecipientID: to, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &domain.DeliveryError{RecipientID: to, Status: resp.StatusCode, Body: string(respBody)}
	}

	c.logger.Debug("whatsapp message sent", "to", to, "len", len(text))
	return nil
}

type mediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// Download resolves a media id to its temporary URL and fetches the bytes.
func (c *Client) Download(ctx context.Context, mediaID string) ([]byte, error) {
	if mediaID == "" {
		return nil, &domain.DownloadError{Err: errors.New("empty media id")}
	}

	var info mediaInfo
	status, err := c.getJSON(ctx, fmt.Sprintf("%s/%s", c.apiBase, mediaID), &info)
	if err != nil {
		return nil, &domain.DownloadError{MediaID: mediaID, Status: status, Err: fmt.Errorf("resolve media url: %w", err)}
	}
	if info.URL == "" {
		return nil, &domain.DownloadError{MediaID: mediaID, Err: errors.New("media response has no url")}
	}
	if info.FileSize > maxMediaBytes {
		return nil, &domain.DownloadError{MediaID: mediaID, Err: fmt.Errorf("media too large: %d bytes", info.FileSize)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return nil, &domain.DownloadError{MediaID: mediaID, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.download.Do(req)
	if err != nil {
		return nil, &domain.DownloadError{MediaID: mediaID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.DownloadError{MediaID: mediaID, Status: resp.StatusCode, Err: errors.New("unexpected status")}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, &domain.DownloadError{MediaID: mediaID, Err: fmt.Errorf("read media: %w", err)}
	}
	if len(data) > maxMediaBytes {
		return nil, &domain.DownloadError{MediaID: mediaID, Err: errors.New("media exceeds size limit")}
	}
	if len(data) == 0 {
		return nil, &domain.DownloadError{MediaID: mediaID, Err: errors.New("empty media body")}
	}

	c.logger.Info("whatsapp media downloaded", "media_id", mediaID, "bytes", len(data), "mime", info.MimeType)
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.download.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode: %w", err)
	}
	return resp.StatusCode, nil
}

// splitMessage breaks text into chunks of at most maxLen runes, preferring to
// cut at a newline or space.
func splitMessage(text string, maxLen int) []string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(runes) > maxLen {
		cut := maxLen
		for i := maxLen; i > maxLen/2; i-- {
			if runes[i] == '\n' || runes[i] == ' ' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimSpace(string(runes[:cut])))
		runes = []rune(strings.TrimLeft(string(runes[cut:]), " \n"))
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
