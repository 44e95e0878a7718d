// Package comfyui talks to the generation engine: it queues API-format
// graphs, follows their progress over the websocket and fetches outputs.
package comfyui

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"genstudio/logger"
	"genstudio/settings"
	"genstudio/workflow"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/richinsley/comfy2go/client"
)

const (
	requestTimeout = 60 * time.Second
	// seconds comfy2go waits for its websocket
	connectTimeout = 10
)

// Client queues prompts and follows them over its own websocket. Image
// transfer, interrupts and engine stats go through a comfy2go client
// bound to the same host and port.
type Client struct {
	BaseURL    string
	ClientID   string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	comfy *client.ComfyClient
}

// New creates a client for the engine at baseURL, e.g. http://127.0.0.1:8188.
func New(baseURL string) *Client {
	c := &Client{
		BaseURL:  strings.TrimSuffix(baseURL, "/"),
		ClientID: uuid.New().String(),
		HTTPClient: &http.Client{
			Timeout: requestTimeout,
		},
		Dialer: websocket.DefaultDialer,
	}
	c.comfy = newComfyClient(c.BaseURL)
	return c
}

// NewClient creates a client for the named port of the configured engine.
func NewClient(config settings.ComfyUiConfig, portName string) (*Client, error) {
	port, ok := config.Port(portName)
	if !ok {
		return nil, errors.New("no ComfyUI ports configured")
	}
	scheme := "http"
	if strings.HasPrefix(config.Url, "https://") {
		scheme = "https"
	}
	return New(scheme + "://" + net.JoinHostPort(config.Host(), strconv.Itoa(port))), nil
}

// newComfyClient binds a comfy2go client to baseURL. comfy2go always
// speaks http:// and ws://, so https engines get TLS from the transport
// and the websocket dialer instead.
func newComfyClient(baseURL string) *client.ComfyClient {
	u, err := url.Parse(baseURL)
	if err != nil {
		u = &url.URL{Scheme: "http", Host: baseURL}
	}
	secure := u.Scheme == "https"
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		port = 80
		if secure {
			port = 443
		}
	}

	cc := client.NewComfyClientWithTimeout(u.Hostname(), port, nil, connectTimeout, 0)
	cc.SetHttpClient(&http.Client{
		Timeout:   requestTimeout,
		Transport: &engineTransport{base: http.DefaultTransport, secure: secure},
	})
	if secure {
		tlsDialer := &tls.Dialer{Config: &tls.Config{ServerName: u.Hostname()}}
		cc.SetDialer(&websocket.Dialer{
			HandshakeTimeout: requestTimeout,
			NetDialContext:   tlsDialer.DialContext,
		})
	}
	return cc
}

// engineTransport upgrades comfy2go requests to https when needed and turns
// error statuses into errors, since comfy2go reads bodies without checking.
type engineTransport struct {
	base   http.RoundTripper
	secure bool
}

func (t *engineTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.secure && req.URL.Scheme == "http" {
		req = req.Clone(req.Context())
		req.URL.Scheme = "https"
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		resp.Body.Close()
		return nil, fmt.Errorf("%s request failed with status: %s", req.URL.Path, resp.Status)
	}
	return resp, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return nil, fmt.Errorf("could not create %s request: %w", path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not send %s request: %w", path, err)
	}
	return resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", path, err)
	}
	return c.do(ctx, http.MethodPost, path, nil, bytes.NewReader(body), "application/json")
}

// QueuePrompt submits g for execution.
func (c *Client) QueuePrompt(ctx context.Context, g workflow.Graph) (*QueueResponse, error) {
	resp, err := c.postJSON(ctx, "/prompt", map[string]any{
		"prompt":    g,
		"client_id": c.ClientID,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &PromptError{Status: resp.StatusCode, Body: string(body)}
	}

	var qr QueueResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, fmt.Errorf("failed to decode prompt response: %w", err)
	}
	if len(qr.NodeErrors) > 0 {
		return nil, &PromptError{Status: resp.StatusCode, Body: string(body)}
	}
	logger.Debug("Queued prompt", "prompt_id", qr.PromptID, "number", qr.Number)
	return &qr, nil
}

// View downloads an output file.
func (c *Client) View(ctx context.Context, f OutputFile) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := c.comfy.GetImage(client.DataOutput{
		Filename:  f.Filename,
		Subfolder: f.Subfolder,
		Type:      f.Type,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", f.Filename, err)
	}
	return *data, nil
}

// Outputs reads the files recorded in the history of promptID.
func (c *Client) Outputs(ctx context.Context, promptID string) ([]OutputFile, error) {
	resp, err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history request failed with status: %s", resp.Status)
	}

	var history map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	entry, ok := history[promptID]
	if !ok {
		return nil, fmt.Errorf("prompt %s not found in history", promptID)
	}
	var files []OutputFile
	for _, out := range entry.Outputs {
		files = append(files, decodeOutputs(out)...)
	}
	return files, nil
}

// Free asks the engine to unload models and release VRAM.
func (c *Client) Free(ctx context.Context) error {
	resp, err := c.postJSON(ctx, "/free", map[string]bool{"unload_models": true, "free_memory": true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("free request failed with status: %s", resp.Status)
	}
	logger.Info("Successfully sent free VRAM request to ComfyUI")
	return nil
}

// Interrupt stops whatever the engine is executing.
func (c *Client) Interrupt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.comfy.Interrupt(); err != nil {
		return fmt.Errorf("interrupt failed: %w", err)
	}
	return nil
}

// UploadImage sends r to the engine's input folder as name and returns the
// name a LoadImage node should reference.
func (c *Client) UploadImage(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	uploaded, err := c.comfy.UploadFileFromReader(r, name, true, client.InputImageType, "", nil)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", name, err)
	}
	return uploaded, nil
}

// decodeOutputs pulls file lists (images, gifs, videos, audio) out of a
// node's output object. Non-file entries are skipped.
func decodeOutputs(raw json.RawMessage) []OutputFile {
	var byKind map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byKind); err != nil {
		return nil
	}
	var files []OutputFile
	for _, list := range byKind {
		var fs []OutputFile
		if err := json.Unmarshal(list, &fs); err != nil {
			continue
		}
		for _, f := range fs {
			if f.Filename != "" {
				files = append(files, f)
			}
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Filename < files[j].Filename })
	return files
}
