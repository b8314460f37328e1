// Package client drives the participant flow over HTTP, the way the survey
// front end does. It is used by the simulate command and end-to-end tests.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/net/publicsuffix"

	"github.com/soaringjerry/persuasion/internal/models"
)

// APIError is a non-success response from the survey server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("survey server returned %d: %s", e.Status, e.Message)
}

// ErrNoConsent is returned when the server declines the consent form.
var ErrNoConsent = errors.New("consent declined")

type Client struct {
	http         *resty.Client
	pollInterval time.Duration
}

type Option func(*Client)

// WithPollInterval sets the delay between job polls.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// New returns a client with its own cookie jar, i.e. one participant session.
func New(baseURL string, opts ...Option) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(30 * time.Second).
		SetCookieJar(jar)
	c := &Client{http: rc, pollInterval: time.Second}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func apiError(resp *resty.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(resp.String())
	if json.Unmarshal(resp.Body(), &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{Status: resp.StatusCode(), Message: msg}
}

func (c *Client) do(ctx context.Context, method, path string, prepare func(*resty.Request), out any) (*resty.Response, error) {
	req := c.http.R().SetContext(ctx)
	if prepare != nil {
		prepare(req)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return resp, apiError(resp)
	}
	if out != nil && resp.StatusCode() == http.StatusOK {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return resp, fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return resp, nil
}

// Participant holds the answers a simulated participant gives.
type Participant struct {
	ProlificPID      string
	StudyID          string
	SessionID        string
	Attributes       models.Attributes
	AttentionAnswers []string
	Answers          []string
	MetaPerception   string
	Authorship       string
}

// Consent accepts the consent form and opens a session.
func (c *Client) Consent(ctx context.Context, p Participant) error {
	_, err := c.do(ctx, http.MethodPost, "/", func(r *resty.Request) {
		r.SetQueryParams(map[string]string{
			"PROLIFIC_PID": p.ProlificPID,
			"STUDY_ID":     p.StudyID,
			"SESSION_ID":   p.SessionID,
		})
		r.SetFormData(map[string]string{"ageCertify": "on", "consent": "agree"})
	}, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusForbidden {
		return ErrNoConsent
	}
	return err
}

type IndexPage struct {
	AttentionCheckQuestion string   `json:"attention_check_question"`
	Attributes             []string `json:"attributes"`
}

func (c *Client) Index(ctx context.Context) (*IndexPage, error) {
	var page IndexPage
	if _, err := c.do(ctx, http.MethodGet, "/index", nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SubmitForm posts the attributes and attention-check answers.
func (c *Client) SubmitForm(ctx context.Context, attrs models.Attributes, attention []string) error {
	form := url.Values{}
	for _, k := range models.AttributeKeys {
		if v, ok := attrs.Get(k); ok {
			form.Set(string(k), v)
		}
	}
	for _, a := range attention {
		form.Add("attention_check_question", a)
	}
	_, err := c.do(ctx, http.MethodPost, "/process_form", func(r *resty.Request) {
		r.SetFormDataFromValues(form)
	}, nil)
	return err
}

// RequestMessage starts generation and returns the job key.
func (c *Client) RequestMessage(ctx context.Context) (string, error) {
	var out struct {
		JobKey string `json:"job_key"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/message_generation", nil, &out); err != nil {
		return "", err
	}
	return out.JobKey, nil
}

// PollMessage returns done=false while the server answers 202.
func (c *Client) PollMessage(ctx context.Context) (models.MessageResult, bool, error) {
	var res models.MessageResult
	resp, err := c.do(ctx, http.MethodGet, "/job_polling", nil, &res)
	if err != nil {
		return models.MessageResult{}, false, err
	}
	if resp.StatusCode() == http.StatusAccepted {
		return models.MessageResult{}, false, nil
	}
	return res, true, nil
}

// AwaitMessage polls until the message is ready, the server reports a
// failure, or ctx ends.
func (c *Client) AwaitMessage(ctx context.Context) (models.MessageResult, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		res, done, err := c.PollMessage(ctx)
		if err != nil || done {
			return res, err
		}
		select {
		case <-ctx.Done():
			return models.MessageResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SendMessage echoes the polled result back so the server can show the
// response page.
func (c *Client) SendMessage(ctx context.Context, res models.MessageResult) error {
	_, err := c.do(ctx, http.MethodPost, "/get_message", func(r *resty.Request) {
		r.SetHeader("Content-Type", "application/json").SetBody(res)
	}, nil)
	return err
}

type ResponsePage struct {
	Message                string   `json:"message"`
	Condition              string   `json:"condition"`
	IssueStance            string   `json:"issue_stance"`
	IssueKey               string   `json:"issue_key"`
	Questions              []string `json:"questions"`
	MetaPerceptionQuestion string   `json:"meta_perception_question"`
	AuthorshipQuestion     string   `json:"authorship_question"`
}

func (c *Client) ResponsePage(ctx context.Context) (*ResponsePage, error) {
	var page ResponsePage
	if _, err := c.do(ctx, http.MethodGet, "/response", nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Complete submits the answers and returns the debrief link.
func (c *Client) Complete(ctx context.Context, p Participant) (string, error) {
	form := url.Values{}
	for i, a := range p.Answers {
		form.Set(fmt.Sprintf("answer_%d", i+1), a)
	}
	if p.MetaPerception != "" {
		form.Set("meta_perception_question", p.MetaPerception)
	}
	if p.Authorship != "" {
		form.Set("authorship_question", p.Authorship)
	}
	var out struct {
		Link string `json:"link"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/response", func(r *resty.Request) {
		r.SetFormDataFromValues(form)
	}, &out); err != nil {
		return "", err
	}
	return out.Link, nil
}

// Outcome summarises one simulated participant.
type Outcome struct {
	Condition string
	Stance    string
	Result    models.MessageResult
	Link      string
}

// Run walks a participant through the whole survey.
func (c *Client) Run(ctx context.Context, p Participant) (*Outcome, error) {
	if err := c.Consent(ctx, p); err != nil {
		return nil, err
	}
	if _, err := c.Index(ctx); err != nil {
		return nil, err
	}
	if err := c.SubmitForm(ctx, p.Attributes, p.AttentionAnswers); err != nil {
		return nil, err
	}
	if _, err := c.RequestMessage(ctx); err != nil {
		return nil, err
	}
	res, err := c.AwaitMessage(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.SendMessage(ctx, res); err != nil {
		return nil, err
	}
	page, err := c.ResponsePage(ctx)
	if err != nil {
		return nil, err
	}
	link, err := c.Complete(ctx, p)
	if err != nil {
		return nil, err
	}
	return &Outcome{Condition: page.Condition, Stance: page.IssueStance, Result: res, Link: link}, nil
}
