// Package market builds request paths for the store API endpoints and extracts the relevant
// sub-message from each reply.
package market

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/fdfe-tools/market-session/internal/log"
	"github.com/fdfe-tools/market-session/pkg/connector"
	"github.com/fdfe-tools/market-session/pkg/wire"
)

// ErrMissingPayload indicates a reply that decoded correctly but lacks the expected message.
var ErrMissingPayload = errors.New("response is missing the expected payload")

// Sort orders accepted by the reviews endpoint.
type Sort int

const (
	SortNewest Sort = iota
	SortHighestRating
	SortHelpfulness
)

var sortNames = map[string]Sort{
	"newest":  SortNewest,
	"rating":  SortHighestRating,
	"helpful": SortHelpfulness,
}

// ParseSort accepts either a sort name (newest, rating, helpful) or its numeric value.
func ParseSort(value string) (Sort, error) {
	if s, ok := sortNames[strings.ToLower(value)]; ok {
		return s, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < int(SortNewest) || n > int(SortHelpfulness) {
		return 0, fmt.Errorf("unknown sort order '%s'", value)
	}
	return Sort(n), nil
}

func (s Sort) String() string {
	switch s {
	case SortNewest:
		return "newest"
	case SortHighestRating:
		return "rating"
	case SortHelpfulness:
		return "helpful"
	}
	return strconv.Itoa(int(s))
}

// ReviewOptions narrow a reviews request. Nil pointers leave the parameter out of the request so
// that the server default applies.
type ReviewOptions struct {
	FilterByDevice bool
	Sort           Sort
	NumResults     *int
	Offset         *int
}

// ReviewsPath returns the request path for the reviews of pkg.
func ReviewsPath(pkg string, opts ReviewOptions) string {
	var b strings.Builder
	b.WriteString("rev?doc=")
	b.WriteString(url.QueryEscape(pkg))
	if opts.NumResults != nil {
		fmt.Fprintf(&b, "&n=%d", *opts.NumResults)
	}
	if opts.Offset != nil {
		fmt.Fprintf(&b, "&o=%d", *opts.Offset)
	}
	if opts.FilterByDevice {
		b.WriteString("&dfil=1")
	}
	fmt.Fprintf(&b, "&sort=%d", int(opts.Sort))
	return b.String()
}

// DetailsPath returns the request path for the details page of pkg.
func DetailsPath(pkg string) string {
	return "details?doc=" + url.QueryEscape(pkg)
}

// BrowsePath is the top-level category listing.
const BrowsePath = "browse?c=0"

// Client issues endpoint requests through a connector.Requester, typically a session.Session.
type Client struct {
	requester connector.Requester
	logger    *log.Logger
}

// NewClient returns a Client that sends requests with r.
func NewClient(r connector.Requester, logger *log.Logger) *Client {
	return &Client{requester: r, logger: logger}
}

// Reviews fetches the reviews of pkg and returns the GetReviewsResponse message.
func (c *Client) Reviews(ctx context.Context, pkg string, opts ReviewOptions) (wire.Message, error) {
	c.logger.Info("PROCESSING reviews for %s", pkg)
	review, err := c.payload(ctx, ReviewsPath(pkg, opts), wire.PayloadReviewResponse)
	if err != nil {
		return nil, err
	}
	rsp, ok := review.Field(wire.ReviewGetResponse)
	if !ok {
		return nil, fmt.Errorf("reviews for %s: %w", pkg, ErrMissingPayload)
	}
	return rsp, nil
}

// Details fetches the details page of pkg, which also carries its aggregate rating.
func (c *Client) Details(ctx context.Context, pkg string) (wire.Message, error) {
	c.logger.Info("PROCESSING details for %s", pkg)
	return c.payload(ctx, DetailsPath(pkg), wire.PayloadDetailsResponse)
}

// Browse fetches the top-level category listing.
func (c *Client) Browse(ctx context.Context) (wire.Message, error) {
	c.logger.Info("PROCESSING browse")
	return c.payload(ctx, BrowsePath, wire.PayloadBrowseResponse)
}

func (c *Client) payload(ctx context.Context, path string, num protowire.Number) (wire.Message, error) {
	rsp, err := c.requester.Execute(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	msg, ok := rsp.PayloadField(num)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrMissingPayload)
	}
	return msg, nil
}
