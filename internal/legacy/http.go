package legacy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"casework-pipeline/internal/models"
)

// HTTPClient is a thin JSON adapter over the legacy REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient targets baseURL with a bearer token.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type listResponse struct {
	Results []Record `json:"results"`
}

type idResponse struct {
	ID int64 `json:"id"`
}

func (c *HTTPClient) officePath(office models.OfficeID, parts ...string) string {
	return c.baseURL + "/offices/" + url.PathEscape(office.String()) + "/" + strings.Join(parts, "/")
}

func (c *HTTPClient) do(ctx context.Context, op, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return &Error{Op: op, Err: fmt.Errorf("encoding request: %w", err)}
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(msg)))}
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

func searchValues(q SearchQuery) url.Values {
	v := url.Values{}
	v.Set("page", strconv.Itoa(q.Page))
	v.Set("limit", strconv.Itoa(q.Limit))
	if q.ModifiedAfter != nil {
		v.Set("modifiedAfter", q.ModifiedAfter.UTC().Format(time.RFC3339))
	}
	if q.DateFrom != nil {
		v.Set("dateFrom", q.DateFrom.UTC().Format(time.RFC3339))
	}
	if q.DateTo != nil {
		v.Set("dateTo", q.DateTo.UTC().Format(time.RFC3339))
	}
	return v
}

func (c *HTTPClient) search(ctx context.Context, op string, office models.OfficeID, resource string, q SearchQuery) ([]Record, error) {
	var out listResponse
	err := c.do(ctx, op, http.MethodGet, c.officePath(office, resource)+"?"+searchValues(q).Encode(), nil, &out)
	return out.Results, err
}

func (c *HTTPClient) list(ctx context.Context, op string, office models.OfficeID, parts ...string) ([]Record, error) {
	var out listResponse
	err := c.do(ctx, op, http.MethodGet, c.officePath(office, parts...), nil, &out)
	return out.Results, err
}

func (c *HTTPClient) create(ctx context.Context, op, target string, body any) (models.ExternalID, error) {
	var out idResponse
	if err := c.do(ctx, op, http.MethodPost, target, body, &out); err != nil {
		return 0, err
	}
	id, err := models.NewExternalID(out.ID)
	if err != nil {
		return 0, &Error{Op: op, Err: err}
	}
	return id, nil
}

func (c *HTTPClient) SearchConstituents(ctx context.Context, office models.OfficeID, q SearchQuery) ([]Record, error) {
	return c.search(ctx, "search constituents", office, "constituents", q)
}

func (c *HTTPClient) SearchCases(ctx context.Context, office models.OfficeID, q SearchQuery) ([]Record, error) {
	return c.search(ctx, "search cases", office, "cases", q)
}

func (c *HTTPClient) SearchInbox(ctx context.Context, office models.OfficeID, q SearchQuery) ([]Record, error) {
	return c.search(ctx, "search inbox", office, "inbox", q)
}

func (c *HTTPClient) GetEmail(ctx context.Context, office models.OfficeID, id models.ExternalID) (Record, error) {
	var out Record
	err := c.do(ctx, "get email", http.MethodGet, c.officePath(office, "emails", id.String()), nil, &out)
	return out, err
}

func (c *HTTPClient) CreateConstituent(ctx context.Context, office models.OfficeID, data Record) (models.ExternalID, error) {
	return c.create(ctx, "create constituent", c.officePath(office, "constituents"), data)
}

func (c *HTTPClient) UpdateConstituent(ctx context.Context, office models.OfficeID, id models.ExternalID, data Record) error {
	return c.do(ctx, "update constituent", http.MethodPatch, c.officePath(office, "constituents", id.String()), data, nil)
}

func (c *HTTPClient) AddContactDetail(ctx context.Context, office models.OfficeID, constituent models.ExternalID, contactType *models.ExternalID, value string) error {
	body := Record{"value": value}
	putRef(body, "contactTypeId", contactType)
	return c.do(ctx, "add contact detail", http.MethodPost, c.officePath(office, "constituents", constituent.String(), "contacts"), body, nil)
}

func (c *HTTPClient) CreateCase(ctx context.Context, office models.OfficeID, data Record) (models.ExternalID, error) {
	return c.create(ctx, "create case", c.officePath(office, "cases"), data)
}

func (c *HTTPClient) UpdateCase(ctx context.Context, office models.OfficeID, id models.ExternalID, data Record) error {
	return c.do(ctx, "update case", http.MethodPatch, c.officePath(office, "cases", id.String()), data, nil)
}

func (c *HTTPClient) CreateCaseNote(ctx context.Context, office models.OfficeID, caseID models.ExternalID, body string) (models.ExternalID, error) {
	return c.create(ctx, "create case note", c.officePath(office, "cases", caseID.String(), "notes"), Record{"body": body})
}

func (c *HTTPClient) CreateDraftEmail(ctx context.Context, office models.OfficeID, data Record) (models.ExternalID, error) {
	return c.create(ctx, "create draft email", c.officePath(office, "emails"), data)
}

func (c *HTTPClient) UpdateEmail(ctx context.Context, office models.OfficeID, id models.ExternalID, data Record) error {
	return c.do(ctx, "update email", http.MethodPatch, c.officePath(office, "emails", id.String()), data, nil)
}

func (c *HTTPClient) MarkEmailActioned(ctx context.Context, office models.OfficeID, id models.ExternalID) error {
	return c.do(ctx, "mark email actioned", http.MethodPost, c.officePath(office, "emails", id.String(), "actioned"), nil, nil)
}

func (c *HTTPClient) FindConstituentMatches(ctx context.Context, office models.OfficeID, email string) ([]ConstituentMatch, error) {
	var out struct {
		Results []ConstituentMatch `json:"results"`
	}
	target := c.officePath(office, "constituents", "matches") + "?" + url.Values{"email": {email}}.Encode()
	err := c.do(ctx, "find constituent matches", http.MethodGet, target, nil, &out)
	return out.Results, err
}

func (c *HTTPClient) GetCaseTypes(ctx context.Context, office models.OfficeID) ([]Record, error) {
	return c.list(ctx, "get case types", office, "reference", "case-types")
}

func (c *HTTPClient) GetStatusTypes(ctx context.Context, office models.OfficeID) ([]Record, error) {
	return c.list(ctx, "get status types", office, "reference", "status-types")
}

func (c *HTTPClient) GetCategoryTypes(ctx context.Context, office models.OfficeID) ([]Record, error) {
	return c.list(ctx, "get category types", office, "reference", "category-types")
}

func (c *HTTPClient) GetContactTypes(ctx context.Context, office models.OfficeID) ([]Record, error) {
	return c.list(ctx, "get contact types", office, "reference", "contact-types")
}

func (c *HTTPClient) GetCaseworkers(ctx context.Context, office models.OfficeID) ([]Record, error) {
	return c.list(ctx, "get caseworkers", office, "caseworkers")
}
