package epo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"

	"github.com/nbowen/patload/internal/domain"
)

// ErrCatalog indicates the product listing could not be fetched or
// parsed. Fatal for the whole run: without a catalog there is nothing
// to download.
var ErrCatalog = errors.New("patstat catalog listing failed")

// indexDocMarker identifies the documentation archive shipped alongside
// the data files. It holds no table data and is never loaded.
const indexDocMarker = "index_documentation"

// ListFiles enumerates the downloadable archives on the product page.
// Only anchors pointing at "download...zip" count; the index
// documentation archive is dropped. When downloadSuffix is non-empty,
// only file names ending with it are returned. Ordering follows the
// page and is not guaranteed stable between calls.
func (s *Session) ListFiles(ctx context.Context, downloadSuffix string) ([]domain.RemoteFile, error) {
	page, err := s.Get(ctx, productPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalog, err)
	}

	hrefs, err := downloadLinks(page)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalog, err)
	}

	var files []domain.RemoteFile
	for _, href := range hrefs {
		name := fileNameFromLink(href)
		if name == "" || strings.Contains(name, indexDocMarker) {
			continue
		}
		if downloadSuffix != "" && !strings.HasSuffix(name, downloadSuffix) {
			continue
		}
		files = append(files, domain.RemoteFile{
			Name:   name,
			URL:    href,
			Status: domain.FileStatusPending,
		})
	}
	return files, nil
}

// downloadLinks scans the listing page for archive anchors.
func downloadLinks(page string) ([]string, error) {
	root, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, err
	}

	var hrefs []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				href := strings.TrimSpace(attr.Val)
				if strings.HasPrefix(href, "download") && strings.HasSuffix(href, ".zip") {
					hrefs = append(hrefs, href)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return hrefs, nil
}

// fileNameFromLink extracts the archive file name from a download link.
// Links are either plain paths ("download/tls201_part01.zip") or carry
// the name in a query parameter.
func fileNameFromLink(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return path.Base(href)
	}
	for _, key := range []string{"fileName", "filename", "file"} {
		if v := u.Query().Get(key); v != "" {
			return path.Base(v)
		}
	}
	return path.Base(u.Path)
}
