/*
   Copyright The Sentinel COG Service Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package catalog talks to the Copernicus Data Space catalog: credential
// exchange against its identity provider and full-product archive
// downloads.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"

	"github.com/containerd/log"
	rhttp "github.com/hashicorp/go-retryablehttp"
)

// ErrProductNotFound reports an identifier the catalog does not know.
var ErrProductNotFound = errors.New("catalog: product not found")

// Product is the subset of catalog product metadata the pipeline needs.
type Product struct {
	ID     string `json:"Id"`
	Name   string `json:"Name"`
	S3Path string `json:"S3Path"`
}

// Client queries the catalog and downloads product archives. All requests
// carry a bearer token from the shared TokenSource.
type Client struct {
	queryURL    string // OData products endpoint
	downloadURL string // zipper endpoint, product id substituted per request
	tokens      *TokenSource
	client      *rhttp.Client
}

// ClientOpt adjusts a Client at construction time.
type ClientOpt func(*Client)

// WithHTTPClient attaches a retryable client used for catalog requests.
func WithHTTPClient(client *rhttp.Client) ClientOpt {
	return func(c *Client) {
		c.client = client
	}
}

func NewClient(queryURL, downloadURL string, tokens *TokenSource, opts ...ClientOpt) *Client {
	c := &Client{
		queryURL:    strings.TrimSuffix(queryURL, "/"),
		downloadURL: downloadURL,
		tokens:      tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = rhttp.NewClient()
		c.client.Logger = nil
	}
	return c
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	req, err := rhttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return c.client.Do(req)
}

// ResolveProduct looks the identifier up in the catalog, confirming it
// exists before a download is attempted.
func (c *Client) ResolveProduct(ctx context.Context, id string) (*Product, error) {
	filter := neturl.Values{"$filter": {fmt.Sprintf("Id eq '%s'", id)}}
	resp, err := c.get(ctx, c.queryURL+"?"+filter.Encode())
	if err != nil {
		return nil, fmt.Errorf("fetching product metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog query returned %s", resp.Status)
	}

	var payload struct {
		Value []Product `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding catalog response: %w", err)
	}
	if len(payload.Value) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, id)
	}
	return &payload.Value[0], nil
}

// DownloadArchive streams the full product archive for id into dst. The
// response must identify itself as a zip and must not be empty; anything
// else fails before band extraction gets a chance to.
func (c *Client) DownloadArchive(ctx context.Context, id string, dst io.Writer) (int64, error) {
	url := strings.ReplaceAll(c.downloadURL, "{id}", id)
	log.G(ctx).WithField("url", url).Info("downloading product archive")

	resp, err := c.get(ctx, url)
	if err != nil {
		return 0, fmt.Errorf("downloading product: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("archive download returned %s", resp.Status)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "zip") {
		return 0, fmt.Errorf("unexpected archive content type %q", contentType)
	}

	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, fmt.Errorf("saving product archive: %w", err)
	}
	if n == 0 {
		return 0, errors.New("downloaded archive is empty")
	}
	log.G(ctx).WithField("bytes", n).Info("product archive downloaded")
	return n, nil
}
