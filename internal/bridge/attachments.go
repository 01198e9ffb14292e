package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/bridgeops/teamsjira/internal/graph"
	"github.com/bridgeops/teamsjira/internal/jira"
	"github.com/bridgeops/teamsjira/internal/markup"
)

// placeholderRe matches the attachment placeholders the bridge writes
// into issue and comment bodies. Scanning the previous body for these
// recovers which attachments the last revision referenced.
var placeholderRe = regexp.MustCompile(`\n\n!([^!\n]+)!\n\n`)

// AttachmentReconciler downloads the images a message embeds, rewrites
// the body to attachment placeholders, and converges the issue's
// attachment set on the set the current text references.
type AttachmentReconciler struct {
	graph  *graph.Client
	jira   *jira.Client
	logger *slog.Logger
}

// NewAttachmentReconciler wires the reconciler to both clients.
func NewAttachmentReconciler(g *graph.Client, j *jira.Client, logger *slog.Logger) *AttachmentReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttachmentReconciler{graph: g, jira: j, logger: logger}
}

// FetchAndRewrite downloads every distinct hosted content image the HTML
// references and translates the body to wiki markup with image tags
// replaced by attachment placeholders. An image that fails to download is
// skipped: its tag is dropped rather than failing the whole sync.
func (r *AttachmentReconciler) FetchAndRewrite(ctx context.Context, token, sourceHTML string) (string, []graph.Image, error) {
	urls := graph.ExtractHostedContentURLs(sourceHTML)

	names := make(map[string]string, len(urls))
	images := make([]graph.Image, 0, len(urls))
	for _, u := range urls {
		img, err := r.graph.FetchImage(ctx, token, u)
		if err != nil {
			r.logger.Warn("skipping embedded image", "url", u, "error", err)
			continue
		}
		names[u] = img.Name
		images = append(images, *img)
	}

	wiki, err := markup.TeamsHTMLToWiki(sourceHTML, names)
	if err != nil {
		return "", nil, fmt.Errorf("translate message body: %w", err)
	}
	return wiki, images, nil
}

// PlaceholderNames lists the attachment names referenced by a previously
// synchronized body.
func PlaceholderNames(body string) []string {
	// Translated bodies are trimmed, so a placeholder can sit flush at
	// the start or end of the text. Pad both ends so the scan still sees
	// its surrounding blank lines.
	body = "\n\n" + body + "\n\n"

	// The trailing \n\n of one placeholder can be the leading \n\n of the
	// next, so scan with explicit overlap handling.
	var names []string
	for offset := 0; ; {
		loc := placeholderRe.FindStringSubmatchIndex(body[offset:])
		if loc == nil {
			return names
		}
		names = append(names, body[offset+loc[2]:offset+loc[3]])
		offset += loc[3] + 1
	}
}

// AppendFileLinks adds wiki links for the message's file attachments that
// the body does not already reference.
func AppendFileLinks(wiki string, files []graph.FileAttachment) string {
	for _, f := range files {
		if f.ContentURL == "" || f.Name == "" {
			continue
		}
		if strings.Contains(wiki, f.ContentURL) {
			continue
		}
		wiki += fmt.Sprintf("\n\n[%s|%s]", f.Name, f.ContentURL)
	}
	return wiki
}

// Reconcile makes the issue's attachments match the image set the new
// body references: stale placeholders are deleted, new images uploaded,
// unchanged ones left alone. Individual upload or delete failures are
// logged and skipped so one bad attachment cannot wedge the sync.
func (r *AttachmentReconciler) Reconcile(ctx context.Context, issueID string, existing []jira.Attachment, oldNames []string, images []graph.Image) {
	current := make(map[string]bool, len(images))
	for _, img := range images {
		current[img.Name] = true
	}

	for _, name := range oldNames {
		if current[name] {
			continue
		}
		for _, att := range existing {
			if att.Filename == name {
				if err := r.jira.DeleteAttachment(ctx, att.ID); err != nil {
					r.logger.Warn("delete stale attachment", "name", name, "error", err)
				}
				break
			}
		}
	}

	attached := make(map[string]bool, len(existing))
	for _, att := range existing {
		attached[att.Filename] = true
	}
	for _, img := range images {
		if attached[img.Name] {
			continue
		}
		if err := r.jira.UploadAttachment(ctx, issueID, img.Name, img.ContentType, img.Data); err != nil {
			r.logger.Warn("upload attachment", "name", img.Name, "error", err)
		}
	}
}
