package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/persuasion/internal/api"
	"github.com/soaringjerry/persuasion/internal/jobs"
	"github.com/soaringjerry/persuasion/internal/middleware"
	"github.com/soaringjerry/persuasion/internal/models"
	"github.com/soaringjerry/persuasion/internal/services"
)

type firstRand struct{ f float64 }

func (r firstRand) Float64() float64 { return r.f }
func (r firstRand) IntN(n int) int   { return n - 1 }
func (r firstRand) Perm(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

type cannedChat struct{}

func (cannedChat) Generate(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage("Consider this.", nil), nil
}

type countingRecorder struct {
	mu   sync.Mutex
	rows []*models.ParticipantSession
}

func (c *countingRecorder) Record(ctx context.Context, s *models.ParticipantSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, s.Clone())
	return nil
}

func startServer(t *testing.T, draw float64, handler jobs.Handler) (*httptest.Server, *countingRecorder) {
	t.Helper()
	catalog := services.MustLoadCatalog()
	rnd := firstRand{f: draw}
	if handler == nil {
		handler = services.NewMessageGenerator(cannedChat{}, rnd, nil).Handler()
	}
	queue := jobs.NewMemoryQueue(handler, jobs.MemoryOptions{Workers: 2, Timeout: time.Minute})
	t.Cleanup(func() { _ = queue.Close() })
	rec := &countingRecorder{}
	svc := services.NewSessionService(api.NewMemoryStore(), catalog, services.NewRandomizer(rnd, catalog.Stances()), queue, rec, services.SessionServiceConfig{})
	cookies, err := middleware.NewSessionCookies("client-test", time.Hour, false)
	require.NoError(t, err)
	srv := httptest.NewServer(api.NewRouter(svc, cookies, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, rec
}

func participant() Participant {
	var attrs models.Attributes
	attrs.Age = "34"
	attrs.Occupation = "nurse"
	attrs.PartyAffiliation = "independent"
	return Participant{
		ProlificPID:      "pid",
		StudyID:          "study",
		SessionID:        "sess",
		Attributes:       attrs,
		AttentionAnswers: []string{"check1", "check3"},
		Answers:          []string{"10", "20", "30", "40", "50"},
		MetaPerception:   "someone like me",
		Authorship:       "a human",
	}
}

func TestRunCompletesSurvey(t *testing.T) {
	srv, rec := startServer(t, 0.5, nil)
	c, err := New(srv.URL, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := c.Run(ctx, participant())
	require.NoError(t, err)

	assert.Equal(t, string(models.ConditionMicrotargeting), out.Condition)
	assert.Equal(t, services.DefaultCompletionURLPass, out.Link)
	assert.Equal(t, "<p>Consider this.</p>", out.Result.Message)
	// the last attribute count is 9, capped by the three attributes given
	assert.Equal(t, 3, out.Result.TargetedCount)

	require.Len(t, rec.rows, 1)
	row := rec.rows[0]
	assert.Equal(t, "pid", row.ProlificPID)
	assert.Equal(t, []string{"10", "20", "30", "40", "50"}, row.Answers)
	assert.True(t, row.Targeted.Has(models.AttrOccupation))
	assert.False(t, row.Targeted.Has(models.AttrGender))

	// the session cookie is gone once the survey is recorded
	_, err = c.Index(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
}

func TestRunReportsGenerationFailure(t *testing.T) {
	srv, rec := startServer(t, 0.5, func(ctx context.Context, in jobs.Input) (models.MessageResult, error) {
		return models.MessageResult{}, errors.New("model down")
	})
	c, err := New(srv.URL, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = c.Run(ctx, participant())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 502, apiErr.Status)
	assert.Equal(t, jobs.FailureMarker, apiErr.Message)
	assert.Empty(t, rec.rows)
}

func TestBareConsentPostIsForbidden(t *testing.T) {
	srv, _ := startServer(t, 0.5, nil)
	c, err := New(srv.URL)
	require.NoError(t, err)
	_, err = c.do(context.Background(), "POST", "/", nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.Status)
}

func TestAwaitMessageHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv, _ := startServer(t, 0.5, func(ctx context.Context, in jobs.Input) (models.MessageResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return models.MessageResult{}, nil
	})
	c, err := New(srv.URL, WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	ctx := context.Background()
	p := participant()
	require.NoError(t, c.Consent(ctx, p))
	require.NoError(t, c.SubmitForm(ctx, p.Attributes, p.AttentionAnswers))
	key, err := c.RequestMessage(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = c.AwaitMessage(short)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}
