package api

import (
	"bytes"
	"encoding/xml"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"intelligence-hub/pkg/types"
)

// RSS 2.0 document shapes.
type rssFeed struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title       string    `xml:"title"`
	Link        string    `xml:"link"`
	Description string    `xml:"description"`
	Items       []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	GUID        string `xml:"guid"`
	PubDate     string `xml:"pubDate,omitempty"`
	Description string `xml:"description"`
}

// handleRSS renders the recommendation board as an RSS 2.0 feed. Item
// briefs are markdown; they are rendered to HTML so feed readers show
// formatted text. Links point at the deployment's reading UI via the
// configured host prefix.
func (r *Router) handleRSS(w http.ResponseWriter, req *http.Request) {
	recs, err := r.hub.Recommendations(req.Context())
	if err != nil {
		writeHubError(w, err)
		return
	}

	prefix := strings.TrimRight(r.cfg.Web.RSS.HostPrefix, "/")
	feed := rssFeed{
		Version: "2.0",
		Channel: rssChannel{
			Title:       "Intelligence Hub Recommendations",
			Link:        prefix + "/",
			Description: "Recently recommended intelligence items",
			Items:       make([]rssItem, 0, len(recs)),
		},
	}

	for _, doc := range recs {
		item := rssItem{
			Title:       doc.StringField(types.FieldEventTitle),
			GUID:        doc.UUID(),
			Link:        prefix + "/intelligence/" + doc.UUID(),
			Description: renderMarkdown(itemBrief(doc)),
		}
		if pub, ok := types.ParseTimeValue(doc[types.FieldPubTime]); ok {
			item.PubDate = pub.Format(time.RFC1123Z)
		}
		feed.Channel.Items = append(feed.Channel.Items, item)
	}

	body, err := xml.MarshalIndent(feed, "", "  ")
	if err != nil {
		writeHubError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

// itemBrief picks the short description, falling back to the full text
// for records that predate EVENT_BRIEF.
func itemBrief(doc types.Document) string {
	if brief := doc.StringField(types.FieldEventBrief); brief != "" {
		return brief
	}
	return doc.StringField(types.FieldEventText)
}

// renderMarkdown converts a markdown brief to HTML. On renderer errors
// the raw text is served rather than nothing.
func renderMarkdown(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return md
	}
	return buf.String()
}
