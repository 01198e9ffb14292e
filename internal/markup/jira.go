package markup

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	ghtml "github.com/yuin/goldmark/renderer/html"
)

var jiraRenderer = goldmark.New(
	goldmark.WithExtensions(extension.Linkify),
	goldmark.WithRendererOptions(ghtml.WithHardWraps()),
)

var (
	wikiCodeBlockRe = regexp.MustCompile(`(?s)\{code(?::[^}]*)?\}(.*?)\{code\}`)
	wikiMonospaceRe = regexp.MustCompile(`\{\{(.+?)\}\}`)
	wikiImageRe     = regexp.MustCompile(`!([^!\s][^!]*)!`)
	wikiLinkRe      = regexp.MustCompile(`\[([^\[\]|]+)\|([^\[\]|]+)\]`)
	wikiBareLinkRe  = regexp.MustCompile(`\[(https?://[^\[\]|]+)\]`)
	wikiMentionRe   = regexp.MustCompile(`\[~accountid:([^\]]+)\]`)
	wikiBoldRe      = regexp.MustCompile(`(^|\s)\*(\S(?:[^*\n]*\S)?)\*`)
	wikiQuoteRe     = regexp.MustCompile(`(?m)^bq\.\s*`)
	wikiHeadingRe   = regexp.MustCompile(`(?m)^h([1-6])\.\s*`)
)

// MentionResolver maps a Jira account id to a display name for rendered
// mentions. A nil resolver leaves the account id visible.
type MentionResolver func(accountID string) string

// JiraWikiToHTML renders a Jira wiki-markup comment body as HTML for a
// Teams reply. The wiki constructs the bridge itself emits are mapped to
// their markdown equivalents first, then the result runs through the
// markdown renderer.
func JiraWikiToHTML(body string, resolve MentionResolver) (string, error) {
	md := body

	md = wikiCodeBlockRe.ReplaceAllString(md, "```$1```")
	md = wikiMonospaceRe.ReplaceAllString(md, "`$1`")
	md = wikiImageRe.ReplaceAllString(md, "[attachment: $1]")
	md = wikiMentionRe.ReplaceAllStringFunc(md, func(m string) string {
		id := wikiMentionRe.FindStringSubmatch(m)[1]
		if resolve != nil {
			if name := resolve(id); name != "" {
				return "@" + name
			}
		}
		return "@" + id
	})
	md = wikiLinkRe.ReplaceAllString(md, "[$1]($2)")
	md = wikiBareLinkRe.ReplaceAllString(md, "$1")
	md = wikiBoldRe.ReplaceAllString(md, "$1**$2**")
	md = wikiQuoteRe.ReplaceAllString(md, "> ")
	md = wikiHeadingRe.ReplaceAllStringFunc(md, func(m string) string {
		level := wikiHeadingRe.FindStringSubmatch(m)[1]
		n := int(level[0] - '0')
		return strings.Repeat("#", n) + " "
	})

	var buf bytes.Buffer
	if err := jiraRenderer.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render comment body: %w", err)
	}
	return buf.String(), nil
}

// LinkHTML builds a minimal anchor tag, used for the "issue created"
// acknowledgement reply.
func LinkHTML(url string) string {
	return fmt.Sprintf("<a href=%q>%s</a>", url, url)
}
