package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/roach88/roomgraph/internal/pdu"
)

// maxResponseBytes bounds a federation response body.
const maxResponseBytes = 16 << 20

// RemoteError is a structured error response from a remote server.
type RemoteError struct {
	Code       string `json:"errcode"`
	Message    string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("federation: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// HTTPConfig configures an HTTPNetwork.
type HTTPConfig struct {
	// Servers maps server names to base URLs, e.g. "https://b.org:8448".
	Servers map[string]string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// HTTPNetwork fetches events over the federation HTTP API.
type HTTPNetwork struct {
	servers    map[pdu.ServerName]string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPNetwork validates the server URLs and returns a Network.
func NewHTTPNetwork(cfg HTTPConfig) (*HTTPNetwork, error) {
	servers := make(map[pdu.ServerName]string, len(cfg.Servers))
	for name, base := range cfg.Servers {
		server, err := pdu.ParseServerName(name)
		if err != nil {
			return nil, fmt.Errorf("federation: server %q: %w", name, err)
		}
		if _, err := url.Parse(base); err != nil {
			return nil, fmt.Errorf("federation: invalid URL %q for %s: %w", base, name, err)
		}
		servers[server] = strings.TrimRight(base, "/")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPNetwork{servers: servers, httpClient: httpClient, logger: logger}, nil
}

// ErrUnknownServer is returned for servers without a configured URL.
var ErrUnknownServer = errors.New("federation: no URL for server")

type eventResponse struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
}

// FetchEvent requests GET /_matrix/federation/v1/event/{eventId}.
func (n *HTTPNetwork) FetchEvent(ctx context.Context, server pdu.ServerName, id pdu.EventID) ([]byte, error) {
	body, err := n.get(ctx, server, "/_matrix/federation/v1/event/"+url.PathEscape(id.String()), nil)
	if err != nil {
		return nil, err
	}
	var resp eventResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("federation: decode event response: %w", err)
	}
	if len(resp.PDUs) != 1 {
		return nil, fmt.Errorf("federation: event response from %s has %d pdus", server, len(resp.PDUs))
	}
	return resp.PDUs[0], nil
}

// FetchState requests GET /_matrix/federation/v1/state/{roomId}?event_id=.
func (n *HTTPNetwork) FetchState(ctx context.Context, server pdu.ServerName, room pdu.RoomID, at pdu.EventID) (pdu.StateSnapshot, error) {
	query := url.Values{"event_id": {at.String()}}
	body, err := n.get(ctx, server, "/_matrix/federation/v1/state/"+url.PathEscape(room.String()), query)
	if err != nil {
		return pdu.StateSnapshot{}, err
	}
	var snap pdu.StateSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return pdu.StateSnapshot{}, fmt.Errorf("federation: decode state response: %w", err)
	}
	return snap, nil
}

func (n *HTTPNetwork) get(ctx context.Context, server pdu.ServerName, path string, query url.Values) ([]byte, error) {
	base, ok := n.servers[server]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownServer, server)
	}
	requestURL := base + path
	if query != nil {
		requestURL += "?" + query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("federation: failed to create request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := n.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("federation: request to %s %s failed: %w", server, path, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("federation: failed to read response body: %w", err)
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return body, nil
	}

	var remoteErr RemoteError
	if jsonErr := json.Unmarshal(body, &remoteErr); jsonErr != nil || remoteErr.Code == "" {
		return nil, fmt.Errorf("federation: unexpected %d response from %s %s: %s",
			response.StatusCode, server, path, string(body))
	}
	remoteErr.StatusCode = response.StatusCode
	n.logger.Debug("remote error", "server", server.String(), "path", path, "code", remoteErr.Code)
	return nil, &remoteErr
}
