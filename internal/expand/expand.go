// Package expand discovers the files inside a folder-type resource by
// fetching its listing page once and scanning one level of links. No
// recursion: folders inside folders are not followed.
package expand

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"coursezipgo/internal/fetch"
	"coursezipgo/internal/models"
	"coursezipgo/internal/resource"
)

// Default URL patterns that mark a link as resource-serving. Matches the
// file-delivery endpoints of Moodle-style course pages.
var DefaultPatterns = []string{
	"/pluginfile.php",
	"/mod/resource/view.php",
	"/mod_folder/content",
}

type Expander struct {
	engine   *fetch.Engine
	patterns []string
	log      *slog.Logger
}

func New(engine *fetch.Engine, patterns []string, log *slog.Logger) *Expander {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	return &Expander{
		engine:   engine,
		patterns: patterns,
		log:      log.With(slog.String("item", "Expander")),
	}
}

// Expand fetches the folder's listing page and returns its child files.
// Children inherit the folder's archive path directly (no extra nesting)
// and are always of kind file. The result is deduped by identity.
func (e *Expander) Expand(ctx context.Context, folder models.Resource) ([]models.Resource, error) {
	body, finalURL, err := e.engine.FetchPage(ctx, folder.URL)
	if err != nil {
		return nil, fmt.Errorf("cannot fetch folder page: %w", err)
	}

	base, err := url.Parse(finalURL)
	if err != nil {
		return nil, fmt.Errorf("cannot parse folder URL: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cannot parse folder page: %w", err)
	}

	var children []models.Resource
	collect := func(_ int, sel *goquery.Selection) {
		link, ok := sel.Attr("href")
		if !ok {
			link, ok = sel.Attr("data-url")
		}
		if !ok || link == "" {
			return
		}
		if !e.matches(link) {
			return
		}
		abs, err := base.Parse(link)
		if err != nil {
			return
		}
		children = append(children, e.childFor(folder, sel, abs))
	}

	doc.Find("a[href]").Each(collect)
	doc.Find("[data-url]").Each(collect)

	children = resource.Dedupe(children)
	e.log.Debug("Expanded folder",
		"url", folder.URL, "name", folder.Name, "children", len(children))
	return children, nil
}

func (e *Expander) matches(link string) bool {
	for _, pattern := range e.patterns {
		if strings.Contains(link, pattern) {
			return true
		}
	}
	return false
}

func (e *Expander) childFor(folder models.Resource, sel *goquery.Selection, abs *url.URL) models.Resource {
	name := strings.TrimSpace(sel.Text())
	if name == "" {
		if segment, err := url.PathUnescape(path.Base(abs.Path)); err == nil {
			name = segment
		} else {
			name = path.Base(abs.Path)
		}
	}

	identity := resource.NormalizeIdentity(abs.String())
	return models.Resource{
		ID:          resource.SanitizeName(identity),
		Name:        name,
		URL:         abs.String(),
		Kind:        models.KindFile,
		FileType:    resource.FileTypeOf(name, abs.String()),
		ArchivePath: folder.ArchivePath,
	}
}
