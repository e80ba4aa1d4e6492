package tracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

type HTTPAnnouncer struct {
	url    *url.URL
	client *http.Client
	key    uint32
	log    *slog.Logger
}

func NewHTTPAnnouncer(u *url.URL, client *http.Client, key uint32, logger *slog.Logger) *HTTPAnnouncer {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPAnnouncer{url: u, client: client, key: key, log: logger}
}

func (h *HTTPAnnouncer) Announce(ctx context.Context, req Request) (Response, error) {
	tracker := *h.url
	query := tracker.Query()
	query.Set("info_hash", string(req.InfoHash[:]))
	query.Set("peer_id", string(req.PeerID[:]))
	query.Set("port", strconv.Itoa(req.Port))
	query.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	query.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	query.Set("left", strconv.FormatInt(req.Left, 10))
	query.Set("compact", "1")
	query.Set("numwant", strconv.Itoa(req.NumWant))
	query.Set("key", fmt.Sprintf("%08x", h.key))
	if req.TrackerID != "" {
		query.Set("trackerid", req.TrackerID)
	}
	if req.Event != EventNone {
		query.Set("event", string(req.Event))
	}
	tracker.RawQuery = query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, tracker.String(), nil)
	if err != nil {
		return Response{}, err
	}
	response, err := h.client.Do(httpReq)
	if err != nil {
		return Response{}, errors.Wrap(err, "announce")
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return Response{}, errors.Wrapf(ErrNoUpdate, "http error: %s", response.Status)
	}

	return decodeHTTPResponse(response.Body)
}

func decodeHTTPResponse(body io.Reader) (Response, error) {
	raw, err := bencode.Decode(body)
	if err != nil {
		return Response{}, errors.Wrapf(ErrNoUpdate, "decode response: %v", err)
	}
	dict, ok := raw.(map[string]interface{})
	if !ok {
		return Response{}, errors.Wrap(ErrNoUpdate, "response is not a dictionary")
	}
	if reason, ok := dict["failure reason"].(string); ok {
		return Response{}, errors.Wrapf(ErrNoUpdate, "tracker failure: %s", reason)
	}

	var resp Response
	if interval, ok := dict["interval"].(int64); ok {
		resp.Interval = time.Duration(interval) * time.Second
	}
	if id, ok := dict["tracker id"].(string); ok {
		resp.TrackerID = id
	}

	switch peers := dict["peers"].(type) {
	case string:
		resp.Peers, err = models.ParseCompactPeers([]byte(peers))
		if err != nil {
			return Response{}, errors.Wrapf(ErrNoUpdate, "compact peers of %d bytes", len(peers))
		}
	case []interface{}:
		for _, p := range peers {
			if addr, ok := dictPeer(p); ok {
				resp.Peers = append(resp.Peers, addr)
			}
		}
	case nil:
	default:
		return Response{}, errors.Wrapf(ErrNoUpdate, "peers of type %T", peers)
	}

	return resp, nil
}

// dictPeer reads one entry of the non-compact peer list.
func dictPeer(v interface{}) (models.Addr, bool) {
	d, ok := v.(map[string]interface{})
	if !ok {
		return models.Addr{}, false
	}
	host, _ := d["ip"].(string)
	port, _ := d["port"].(int64)
	ip := net.ParseIP(host)
	if ip == nil || port <= 0 || port > 65535 {
		return models.Addr{}, false
	}
	return models.Addr{IP: ip, Port: uint16(port)}, true
}
