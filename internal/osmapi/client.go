package osmapi

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/wegman-software/osmupload-go/internal/feature"
	"github.com/wegman-software/osmupload-go/internal/logger"
	"github.com/wegman-software/osmupload-go/internal/osc"
)

// MaxFetchIDs is the number of ids the API accepts in one multi-fetch request
const MaxFetchIDs = 100

var xmlHeader = http.Header{"Content-Type": []string{"text/xml; charset=utf-8"}}

// Client wraps a Transport with the changeset and element endpoints of API 0.6
type Client struct {
	transport Transport
}

// NewClient creates a client on top of transport
func NewClient(transport Transport) *Client {
	return &Client{transport: transport}
}

// OpenChangeset creates a changeset carrying tags and returns its id
func (c *Client) OpenChangeset(ctx context.Context, tags feature.Tags) (int64, error) {
	body, err := c.transport.Do(ctx, &Request{
		Method: http.MethodPut,
		Path:   "/0.6/changeset/create",
		Body:   osc.SerializeChangesetTags(tags),
		Header: xmlHeader,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to open changeset: %w", err)
	}

	id, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected changeset id %q: %w", body, err)
	}

	logger.Get().Debug("Opened changeset", zap.Int64("changeset", id), zap.Int("tags", len(tags)))
	return id, nil
}

// UploadDiff posts an osmChange document into the changeset. With compress set the
// payload is gzip encoded; if encoding fails it is sent as is.
func (c *Client) UploadDiff(ctx context.Context, changesetID int64, payload []byte, compress bool) (osc.DiffResult, error) {
	header := xmlHeader.Clone()
	body := payload
	if compress {
		if gz, err := gzipBytes(payload); err == nil {
			body = gz
			header.Set("Content-Encoding", "gzip")
		} else {
			logger.Get().Debug("Sending upload uncompressed", zap.Error(err))
		}
	}

	resp, err := c.transport.Do(ctx, &Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/0.6/changeset/%d/upload", changesetID),
		Body:   body,
		Header: header,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to changeset %d: %w", changesetID, err)
	}

	result, err := osc.DeserializeDiffResult(bytes.NewReader(resp))
	if err != nil {
		return nil, err
	}

	logger.Get().Debug("Uploaded diff",
		zap.Int64("changeset", changesetID),
		zap.Int("payload_bytes", len(payload)),
		zap.Int("sent_bytes", len(body)),
		zap.Int("results", result.Len()))
	return result, nil
}

// UpdateChangeset replaces the tags of an open changeset
func (c *Client) UpdateChangeset(ctx context.Context, changesetID int64, tags feature.Tags) error {
	_, err := c.transport.Do(ctx, &Request{
		Method: http.MethodPut,
		Path:   fmt.Sprintf("/0.6/changeset/%d", changesetID),
		Body:   osc.SerializeChangesetTags(tags),
		Header: xmlHeader,
	})
	if err != nil {
		return fmt.Errorf("failed to update changeset %d: %w", changesetID, err)
	}
	return nil
}

// CloseChangeset closes the changeset
func (c *Client) CloseChangeset(ctx context.Context, changesetID int64) error {
	_, err := c.transport.Do(ctx, &Request{
		Method: http.MethodPut,
		Path:   fmt.Sprintf("/0.6/changeset/%d/close", changesetID),
	})
	if err != nil {
		return fmt.Errorf("failed to close changeset %d: %w", changesetID, err)
	}
	logger.Get().Debug("Closed changeset", zap.Int64("changeset", changesetID))
	return nil
}

// FetchFeatures reads the current state of up to MaxFetchIDs features of one type,
// deleted ones included (Visible false)
func (c *Client) FetchFeatures(ctx context.Context, t feature.Type, ids []int64) ([]feature.Feature, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if !t.Valid() {
		return nil, fmt.Errorf("cannot fetch features of type %q", t)
	}

	list := make([]string, len(ids))
	for i, id := range ids {
		list[i] = strconv.FormatInt(id, 10)
	}
	plural := string(t) + "s"

	body, err := c.transport.Do(ctx, &Request{
		Method: http.MethodGet,
		Path:   "/0.6/" + plural,
		Query:  url.Values{plural: []string{strings.Join(list, ",")}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", plural, err)
	}

	return osc.ParseFeatures(bytes.NewReader(body))
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
