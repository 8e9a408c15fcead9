package attachment

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

// markdownLinkPattern matches markdown link and image targets:
// [label](url) and ![alt](url).
var markdownLinkPattern = regexp.MustCompile(`!?\[[^\]]*\]\(([^)\s]+)\)`)

// attachmentHosts are hosts whose URLs are treated as attachments even
// without a file extension (tracker upload CDNs serve extension-less paths).
var attachmentHosts = map[string]bool{
	"uploads.linear.app":                true,
	"files.slack.com":                   true,
	"user-images.githubusercontent.com": true,
}

// ExtractURLs pulls attachment URLs out of markdown text: explicit markdown
// link targets first, then bare http(s) URLs found by whitespace splitting.
// Bare URLs count only when the path carries a file extension or the host
// is a known upload host. Order of first occurrence is preserved;
// duplicates are dropped.
func ExtractURLs(text string) []string {
	var out []string
	seen := make(map[string]bool)

	add := func(raw string) {
		raw = strings.TrimRight(raw, ".,;:!?")
		u, err := url.Parse(raw)
		if err != nil {
			return
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return
		}
		if u.Host == "" || seen[raw] {
			return
		}
		seen[raw] = true
		out = append(out, raw)
	}

	for _, m := range markdownLinkPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}

	// Strip the markdown links so their targets are not re-counted as
	// bare URLs with different trailing punctuation.
	stripped := markdownLinkPattern.ReplaceAllString(text, " ")
	for _, tok := range strings.Fields(stripped) {
		if !strings.HasPrefix(tok, "http://") && !strings.HasPrefix(tok, "https://") {
			continue
		}
		u, err := url.Parse(strings.TrimRight(tok, ".,;:!?"))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			continue
		}
		if path.Ext(u.Path) == "" && !attachmentHosts[u.Hostname()] {
			continue
		}
		add(tok)
	}

	return out
}

// extensionOf returns the file extension for a URL path, defaulting to
// ".bin" when the path has none.
func extensionOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".bin"
	}
	if ext := path.Ext(u.Path); ext != "" {
		return ext
	}
	return ".bin"
}
