package source

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
)

const (
	rosterContainer = "div.ratingsDatatable"
	rosterHandle    = "a.rated-user"
)

// RosterPage fetches one page of the organization ratings listing and returns
// the handles on it in page order.
func (c *Client) RosterPage(ctx context.Context, page int) ([]string, error) {
	u := fmt.Sprintf("%s/ratings/organization/%s/page/%d", c.webBase, c.orgID, page)
	body, err := c.fetchPage(ctx, KindRosterPage, u)
	if err != nil {
		return nil, err
	}
	return parseRosterPage(body)
}

func parseRosterPage(body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse roster page: %v", ErrMalformed, err)
	}

	table := doc.Find(rosterContainer).First()
	if table.Length() == 0 {
		return nil, fmt.Errorf("%w: roster page has no %s", ErrMalformed, rosterContainer)
	}

	handles := make([]string, 0)
	table.Find(rosterHandle).Each(func(_ int, s *goquery.Selection) {
		if h := strings.TrimSpace(s.Text()); h != "" {
			handles = append(handles, h)
		}
	})
	return handles, nil
}

// RosterPager fetches a single roster page. *Client implements it.
type RosterPager interface {
	RosterPage(ctx context.Context, page int) ([]string, error)
}

// Directory resolves the organization roster by walking the paginated listing.
type Directory struct {
	pager  RosterPager
	logger zerolog.Logger
}

// NewDirectory creates a Directory over pager.
func NewDirectory(pager RosterPager, logger zerolog.Logger) *Directory {
	return &Directory{
		pager:  pager,
		logger: logger.With().Str("component", "directory").Logger(),
	}
}

// Resolve returns every handle in discovery order. Pagination ends on an
// empty page or when a page starts with the same handle as the previous one;
// Codeforces serves the last page again for out-of-range page numbers.
// Handles repeated across pages are kept.
func (d *Directory) Resolve(ctx context.Context) ([]string, error) {
	var (
		handles   []string
		lastFirst string
	)
	for page := 1; ; page++ {
		onPage, err := d.pager.RosterPage(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("roster page %d: %w", page, err)
		}
		if len(onPage) == 0 || onPage[0] == lastFirst {
			d.logger.Debug().Int("pages", page-1).Int("handles", len(handles)).Msg("roster resolved")
			return handles, nil
		}
		lastFirst = onPage[0]
		handles = append(handles, onPage...)
	}
}
