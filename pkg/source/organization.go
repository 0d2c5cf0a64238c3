package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrNotListed is returned when the organization has no row in the global
// organization ratings, e.g. before any member is rated.
var ErrNotListed = errors.New("organization not listed in ratings")

// OrganizationInfo fetches the organization's global rank, rating and user
// count from the organization ratings listing.
func (c *Client) OrganizationInfo(ctx context.Context) (*Organization, error) {
	body, err := c.fetchPage(ctx, KindOrganization, c.webBase+"/ratings/organizations")
	if err != nil {
		return nil, err
	}
	return parseOrganizationPage(body, c.orgID)
}

// parseOrganizationPage finds the table row linking to the organization's
// ratings page. Its cells are rank, name, users and rating; the users and
// rating cells carry the value as "(n)" in their second span.
func parseOrganizationPage(body []byte, orgID string) (*Organization, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse organizations page: %v", ErrMalformed, err)
	}

	if doc.Find(`a[href^="/ratings/organization/"]`).Length() == 0 {
		return nil, fmt.Errorf("%w: organizations page lists no organizations", ErrMalformed)
	}

	link := doc.Find(fmt.Sprintf(`a[href="/ratings/organization/%s"]`, orgID)).First()
	if link.Length() == 0 {
		return nil, fmt.Errorf("organization %s: %w", orgID, ErrNotListed)
	}
	cells := link.Closest("tr").Find("td")
	if cells.Length() < 4 {
		return nil, fmt.Errorf("%w: organization %s row has %d cells", ErrMalformed, orgID, cells.Length())
	}

	rank, err := strconv.Atoi(strings.TrimSpace(cells.Eq(0).Text()))
	if err != nil {
		return nil, fmt.Errorf("%w: organization %s rank: %v", ErrMalformed, orgID, err)
	}
	users, err := spanCount(cells.Eq(2))
	if err != nil {
		return nil, fmt.Errorf("%w: organization %s users: %v", ErrMalformed, orgID, err)
	}
	rating, err := spanCount(cells.Eq(3))
	if err != nil {
		return nil, fmt.Errorf("%w: organization %s rating: %v", ErrMalformed, orgID, err)
	}

	return &Organization{
		ID:            orgID,
		Name:          strings.TrimSpace(link.Text()),
		GlobalRank:    rank,
		Rating:        rating,
		NumberOfUsers: users,
	}, nil
}

func spanCount(cell *goquery.Selection) (int, error) {
	spans := cell.Find("span")
	if spans.Length() < 2 {
		return 0, fmt.Errorf("want 2 spans, got %d", spans.Length())
	}
	raw := strings.Trim(strings.TrimSpace(spans.Eq(1).Text()), "()")
	return strconv.Atoi(raw)
}
