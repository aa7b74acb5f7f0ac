package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// Node is the remote identity assigned to a file or folder.
type Node struct {
	NodeUID       string `json:"node_uid"`
	ParentNodeUID string `json:"parent_node_uid"`
}

// encodePathSegments URL-encodes each segment of a slash-separated path.
// Characters like #, ?, %, and spaces are encoded per-segment so the
// resulting path is safe for interpolation into API URLs.
func encodePathSegments(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.Join(segments, "/")
}

// UploadFile streams the file at localPath to remotePath, creating or
// replacing the remote node. The body is re-opened per retry attempt so the
// full content is always sent; nothing is buffered in memory.
func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string) (Node, error) {
	c.logger.Debug("upload",
		slog.String("local_path", localPath),
		slog.String("remote_path", remotePath),
	)

	getBody := func() (io.ReadCloser, error) {
		f, err := os.Open(localPath)
		if err != nil {
			return nil, fmt.Errorf("remote: opening %s: %w", localPath, err)
		}

		return f, nil
	}

	resp, err := c.do(ctx, http.MethodPut, "/files/"+encodePathSegments(strings.TrimPrefix(remotePath, "/")), getBody)
	if err != nil {
		return Node{}, err
	}

	return decodeNode(resp)
}

// CreateFolder creates the folder at remotePath, returning its identity.
// An already-existing folder is not an error; the service returns the
// existing node.
func (c *Client) CreateFolder(ctx context.Context, remotePath string) (Node, error) {
	c.logger.Debug("create folder", slog.String("remote_path", remotePath))

	payload, err := json.Marshal(map[string]string{"path": remotePath})
	if err != nil {
		return Node{}, fmt.Errorf("remote: encoding folder request: %w", err)
	}

	getBody := func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	resp, err := c.do(ctx, http.MethodPost, "/folders", getBody)
	if err != nil {
		return Node{}, err
	}

	return decodeNode(resp)
}

// Delete removes the node at remotePath. By default the node is moved to
// the trash; permanent skips the trash. existed reports whether the node
// was present — a missing node is success, not an error, so deletes are
// idempotent.
func (c *Client) Delete(ctx context.Context, remotePath string, permanent bool) (existed bool, err error) {
	c.logger.Debug("delete",
		slog.String("remote_path", remotePath),
		slog.Bool("permanent", permanent),
	)

	path := "/nodes/" + encodePathSegments(strings.TrimPrefix(remotePath, "/"))
	if permanent {
		path += "?permanent=1"
	}

	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	resp.Body.Close()

	return true, nil
}

func decodeNode(resp *http.Response) (Node, error) {
	defer resp.Body.Close()

	var n Node
	if err := json.NewDecoder(resp.Body).Decode(&n); err != nil {
		return Node{}, fmt.Errorf("remote: decoding node response: %w", err)
	}

	return n, nil
}
