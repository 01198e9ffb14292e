package graph

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Image is an embedded (hosted content) image downloaded from a message
// body, ready to be uploaded as a ticket attachment.
type Image struct {
	Name        string
	Data        []byte
	ContentType string
}

var (
	// hostedContentRe matches hostedContents URLs inside message HTML,
	// including the /$value suffix that addresses the raw bytes, and
	// captures the opaque content id segment for naming.
	hostedContentRe = regexp.MustCompile(`https://graph\.microsoft\.com/v1\.0/teams/[^\s"]+/messages/[^\s"]+/hostedContents/([^\s|\]\\"/]+)(?:/\$value)?`)
	// hostedContentIDRe extracts the stable id from the decoded content id.
	hostedContentIDRe = regexp.MustCompile(`id=([^,]+)`)
)

// ExtractHostedContentURLs returns the distinct hosted content URLs
// referenced by the given HTML, in sorted order.
func ExtractHostedContentURLs(html string) []string {
	seen := make(map[string]struct{})
	for _, m := range hostedContentRe.FindAllString(html, -1) {
		seen[m] = struct{}{}
	}
	urls := make([]string, 0, len(seen))
	for u := range seen {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

// FetchImage downloads one hosted content image. The attachment name is
// derived from the platform content id so re-synchronizing an unchanged
// message converges on the same name; a random name is used when the id
// cannot be recovered.
func (c *Client) FetchImage(ctx context.Context, token, imageURL string) (*Image, error) {
	requestURL := imageURL
	if rest, ok := strings.CutPrefix(imageURL, defaultBaseURL); ok {
		requestURL = c.baseURL + rest
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch image status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read image body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	return &Image{
		Name:        fmt.Sprintf("%s.%s", hostedContentID(imageURL), extensionFor(contentType)),
		Data:        data,
		ContentType: contentType,
	}, nil
}

// hostedContentID recovers the stable content id embedded in a hosted
// content URL. The URL segment is URL-safe base64 of a comma-separated
// parameter list containing id=<value>.
func hostedContentID(imageURL string) string {
	m := hostedContentRe.FindStringSubmatch(imageURL)
	if m == nil {
		return uuid.NewString()
	}
	decoded, err := base64.URLEncoding.DecodeString(m[1])
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(m[1])
	}
	if err != nil {
		return uuid.NewString()
	}
	id := hostedContentIDRe.FindSubmatch(decoded)
	if id == nil {
		return uuid.NewString()
	}
	return string(id[1])
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/gif":
		return "gif"
	case "image/svg+xml":
		return "svg"
	default:
		return "bin"
	}
}
