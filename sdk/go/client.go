package buscartsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal BuscArt HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// HiringRequest is the API request model.
type HiringRequest struct {
	ID                 string   `json:"id"`
	ClientID           string   `json:"client_id"`
	CategoryID         string   `json:"category_id"`
	City               string   `json:"city"`
	Description        string   `json:"description,omitempty"`
	BudgetMin          *string  `json:"budget_min,omitempty"`
	BudgetMax          *string  `json:"budget_max,omitempty"`
	EventDate          string   `json:"event_date"`
	EventTime          string   `json:"event_time,omitempty"`
	Details            string   `json:"details,omitempty"`
	Status             string   `json:"status"`
	ResponseCount      int      `json:"response_count"`
	AcceptedProposalID string   `json:"accepted_proposal_id,omitempty"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          string   `json:"updated_at"`
	ExpiresAt          string   `json:"expires_at"`
	EligibleArtists    []string `json:"eligible_artists,omitempty"`
}

// CreateRequestInput is the body of CreateRequest. Budgets are decimal strings.
type CreateRequestInput struct {
	CategoryID  string  `json:"category_id"`
	City        string  `json:"city"`
	Description string  `json:"description,omitempty"`
	BudgetMin   *string `json:"budget_min,omitempty"`
	BudgetMax   *string `json:"budget_max,omitempty"`
	EventDate   string  `json:"event_date"`
	EventTime   string  `json:"event_time,omitempty"`
	Details     string  `json:"details,omitempty"`
}

// Proposal is an artist's offer on a request.
type Proposal struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	ArtistID  string `json:"artist_id"`
	Price     string `json:"price"`
	Message   string `json:"message,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// RequestFilter narrows ActiveRequests.
type RequestFilter struct {
	CategoryID string
	City       string
	Mine       bool
	Limit      int
	Cursor     string
}

// PaginatedRequests wraps list responses with cursors.
type PaginatedRequests struct {
	Items      []HiringRequest `json:"items"`
	NextCursor string          `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given error code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// DevLogin mints a development token and stores it on the client. The server
// only routes it when server.dev_login is set.
func (c *Client) DevLogin(ctx context.Context, actorID, role string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"actor_id": actorID, "role": role}, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp.Token, err
}

// CreateRequest publishes a hiring request.
func (c *Client) CreateRequest(ctx context.Context, in CreateRequestInput) (HiringRequest, error) {
	var resp HiringRequest
	err := c.do(ctx, http.MethodPost, "requests", in, &resp)
	return resp, err
}

// ActiveRequests lists active requests visible to the caller.
func (c *Client) ActiveRequests(ctx context.Context, f RequestFilter) (PaginatedRequests, error) {
	q := url.Values{}
	if f.CategoryID != "" {
		q.Set("category_id", f.CategoryID)
	}
	if f.City != "" {
		q.Set("city", f.City)
	}
	if f.Mine {
		q.Set("mine", "true")
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	endpoint := "requests"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedRequests
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetRequest(ctx context.Context, id string) (HiringRequest, error) {
	var resp HiringRequest
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) CancelRequest(ctx context.Context, id string) (HiringRequest, error) {
	var resp HiringRequest
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// SubmitProposal sends an artist's price and message. price is a decimal string.
func (c *Client) SubmitProposal(ctx context.Context, requestID, price, message string) (Proposal, error) {
	body := map[string]any{"price": price}
	if message != "" {
		body["message"] = message
	}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(requestID)+"/proposals", body, &resp)
	return resp, err
}

// ListProposals returns the proposals on a request visible to the caller.
func (c *Client) ListProposals(ctx context.Context, requestID string) ([]Proposal, error) {
	var resp struct {
		Items []Proposal `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(requestID)+"/proposals", nil, &resp)
	return resp.Items, err
}

func (c *Client) GetProposal(ctx context.Context, id string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodGet, "proposals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RespondToProposal applies accept, reject or negotiate.
func (c *Client) RespondToProposal(ctx context.Context, requestID, proposalID, action string) (Proposal, error) {
	var resp Proposal
	endpoint := fmt.Sprintf("requests/%s/proposals/%s/respond", url.PathEscape(requestID), url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"action": action}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

func (c *Client) authorize(req *http.Request) {
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
}

func (c *Client) url(endpoint string) string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return c.base() + "/" + strings.TrimLeft(endpoint, "/")
	}
	return c.base() + "/" + basePath + "/" + strings.TrimLeft(endpoint, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
