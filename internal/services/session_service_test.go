package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/soaringjerry/persuasion/internal/jobs"
	"github.com/soaringjerry/persuasion/internal/models"
)

type stubSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.ParticipantSession
}

func newStubSessionStore() *stubSessionStore {
	return &stubSessionStore{sessions: map[string]*models.ParticipantSession{}}
}

func (s *stubSessionStore) CreateSession(sess *models.ParticipantSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *stubSessionStore) GetSession(id string) (*models.ParticipantSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Clone(), nil
	}
	return nil, nil
}

func (s *stubSessionStore) UpdateSession(id string, fn func(*models.ParticipantSession) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	cp := sess.Clone()
	if err := fn(cp); err != nil {
		return err
	}
	s.sessions[id] = cp
	return nil
}

func (s *stubSessionStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

type stubRecorder struct {
	mu      sync.Mutex
	err     error
	records []*models.ParticipantSession
}

func (r *stubRecorder) Record(ctx context.Context, s *models.ParticipantSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, s.Clone())
	return nil
}

type flowFixture struct {
	svc      *SessionService
	store    *stubSessionStore
	recorder *stubRecorder
	queue    *jobs.MemoryQueue
	chat     *stubChat
}

func newFlowFixture(t *testing.T, draw float64, handler jobs.Handler, timeout time.Duration) *flowFixture {
	t.Helper()
	catalog := MustLoadCatalog()
	rnd := &stubRand{f: draw, n: 4}
	chat := &stubChat{replies: []string{"A persuasive message."}}
	if handler == nil {
		handler = NewMessageGenerator(chat, rnd, nil).Handler()
	}
	queue := jobs.NewMemoryQueue(handler, jobs.MemoryOptions{Workers: 2, Timeout: timeout})
	t.Cleanup(func() { _ = queue.Close() })
	store := newStubSessionStore()
	rec := &stubRecorder{}
	svc := NewSessionService(store, catalog, NewRandomizer(rnd, catalog.Stances()), queue, rec, SessionServiceConfig{})
	return &flowFixture{svc: svc, store: store, recorder: rec, queue: queue, chat: chat}
}

func (f *flowFixture) consent(t *testing.T) string {
	t.Helper()
	sess, err := f.svc.Consent(ConsentRequest{AgeCertify: "on", Consent: "agree", ProlificPID: "PID", StudyID: "STUDY", PlatformSessionID: "SESS"})
	if err != nil {
		t.Fatalf("consent: %v", err)
	}
	return sess.ID
}

func (f *flowFixture) generate(t *testing.T, id string, answers []string) models.MessageResult {
	t.Helper()
	if _, err := f.svc.SubmitForm(id, FormSubmission{Attributes: e2eAttributes(), AttentionAnswers: answers}); err != nil {
		t.Fatalf("submit form: %v", err)
	}
	jobID, err := f.svc.RequestMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("request message: %v", err)
	}
	if _, err := f.queue.Await(context.Background(), jobID); err != nil {
		t.Fatalf("await: %v", err)
	}
	res, err := f.svc.PollMessage(context.Background(), id)
	if err != nil || !res.Done {
		t.Fatalf("poll: %+v %v", res, err)
	}
	return res.Result
}

func answers() []string { return []string{"1", "2", "3", "4", "5"} }

func TestSessionFlowMicrotargeting(t *testing.T) {
	f := newFlowFixture(t, 0.1, nil, time.Minute)
	id := f.consent(t)

	view, err := f.svc.AttentionView(id)
	if err != nil || view.Question == "" || len(view.Attributes) != models.NumAttributes {
		t.Fatalf("attention view: %+v %v", view, err)
	}
	res := f.generate(t, id, []string{"check1", "check3"})
	if res.TargetedCount != len(res.SelectedKeys) || res.TargetedCount == 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	// the server keeps the job result even if the client echoes something else
	if err := f.svc.StoreMessage(context.Background(), id, models.MessageResult{Message: "forged"}); err != nil {
		t.Fatalf("store message: %v", err)
	}
	rv, err := f.svc.ResponseView(id)
	if err != nil {
		t.Fatalf("response view: %v", err)
	}
	if rv.Message != res.Message || len(rv.Questions) != QuestionsPerIssue || rv.Condition != models.ConditionMicrotargeting {
		t.Fatalf("unexpected response view %+v", rv)
	}

	meta, author := "me", "a person"
	debrief, err := f.svc.Complete(context.Background(), id, ResponseSubmission{Answers: answers(), MetaPerception: &meta, Authorship: &author})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if debrief.Link != DefaultCompletionURLPass {
		t.Fatalf("expected pass link, got %q", debrief.Link)
	}
	if len(f.recorder.records) != 1 {
		t.Fatalf("expected one recorded row, got %d", len(f.recorder.records))
	}
	got := f.recorder.records[0]
	if got.ProlificPID != "PID" || got.EndedAt.IsZero() || *got.MetaPerception != "me" || got.Targeted.Count() != res.TargetedCount {
		t.Fatalf("unexpected record %+v", got)
	}
	if _, err := f.svc.Session(id); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("session must be cleared after recording, got %v", err)
	}
}

func TestStoreMessageWaitsForJob(t *testing.T) {
	release := make(chan struct{})
	gen := NewMessageGenerator(&stubChat{replies: []string{"Generated."}}, &stubRand{n: 4}, nil).Handler()
	gated := func(ctx context.Context, in jobs.Input) (models.MessageResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return models.MessageResult{}, ctx.Err()
		}
		return gen(ctx, in)
	}
	f := newFlowFixture(t, 0.1, gated, time.Minute)
	ctx := context.Background()
	id := f.consent(t)
	if _, err := f.svc.SubmitForm(id, FormSubmission{Attributes: e2eAttributes()}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	jobID, err := f.svc.RequestMessage(ctx, id)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	forged := models.MessageResult{Prompt: "p", Message: "<p>forged</p>"}
	if err := f.svc.StoreMessage(ctx, id, forged); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("store before the job finished must be rejected, got %v", err)
	}
	if _, err := f.svc.ResponseView(id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("response page must stay closed, got %v", err)
	}

	close(release)
	if _, err := f.queue.Await(ctx, jobID); err != nil {
		t.Fatalf("await: %v", err)
	}
	if err := f.svc.StoreMessage(ctx, id, forged); err != nil {
		t.Fatalf("store: %v", err)
	}
	rv, err := f.svc.ResponseView(id)
	if err != nil {
		t.Fatalf("response view: %v", err)
	}
	if rv.Message != "<p>Generated.</p>" {
		t.Fatalf("expected the job result, got %q", rv.Message)
	}
}

func TestStoreMessageRejectsFailedJob(t *testing.T) {
	failing := func(ctx context.Context, in jobs.Input) (models.MessageResult, error) {
		return models.MessageResult{}, ErrGenerationFailed
	}
	f := newFlowFixture(t, 0.1, failing, time.Minute)
	ctx := context.Background()
	id := f.consent(t)
	if _, err := f.svc.SubmitForm(id, FormSubmission{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	jobID, err := f.svc.RequestMessage(ctx, id)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_, _ = f.queue.Await(ctx, jobID)

	err = f.svc.StoreMessage(ctx, id, models.MessageResult{Prompt: "p", Message: "<p>forged</p>"})
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorBadGateway || se.Message != jobs.FailureMarker {
		t.Fatalf("expected opaque failure marker, got %v", err)
	}
	sess, err := f.svc.Session(id)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if sess.State != models.StateConditionAssigned || sess.Message != "" {
		t.Fatalf("failed job must not store a message: %+v", sess)
	}
}

func TestSessionFlowControlDropsPostTreatment(t *testing.T) {
	f := newFlowFixture(t, 0.95, nil, time.Minute)
	id := f.consent(t)
	res := f.generate(t, id, []string{"check1"})
	if res.Message != "" || res.SelectedKeys != nil || res.TargetedCount != 0 {
		t.Fatalf("control must not generate, got %+v", res)
	}
	if len(f.chat.calls) != 0 {
		t.Fatalf("control must not call the model")
	}
	if err := f.svc.StoreMessage(context.Background(), id, res); err != nil {
		t.Fatalf("store: %v", err)
	}
	meta := "ignored"
	debrief, err := f.svc.Complete(context.Background(), id, ResponseSubmission{Answers: answers(), MetaPerception: &meta, Authorship: &meta})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if debrief.Link != DefaultCompletionURLFail || debrief.AttentionCheck != models.AttentionFail {
		t.Fatalf("unexpected debrief %+v", debrief)
	}
	got := f.recorder.records[0]
	if got.MetaPerception != nil || got.Authorship != nil || got.Condition != models.ConditionControl {
		t.Fatalf("control post-treatment answers must be empty: %+v", got)
	}
}

func TestConsentRequired(t *testing.T) {
	f := newFlowFixture(t, 0.1, nil, time.Minute)
	for _, req := range []ConsentRequest{
		{AgeCertify: "", Consent: "agree"},
		{AgeCertify: "on", Consent: "disagree"},
		{},
	} {
		if _, err := f.svc.Consent(req); !errors.Is(err, ErrNoConsent) {
			t.Fatalf("expected ErrNoConsent for %+v, got %v", req, err)
		}
	}
	if len(f.store.sessions) != 0 {
		t.Fatalf("no session may be created without consent")
	}
}

func TestOutOfOrderOperations(t *testing.T) {
	f := newFlowFixture(t, 0.1, nil, time.Minute)
	ctx := context.Background()

	if _, err := f.svc.RequestMessage(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := f.svc.AttentionView(""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for empty id, got %v", err)
	}

	id := f.consent(t)
	if _, err := f.svc.RequestMessage(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.svc.PollMessage(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.svc.ResponseView(id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.svc.SubmitForm(id, FormSubmission{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.svc.SubmitForm(id, FormSubmission{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second submit must be rejected, got %v", err)
	}
	if _, err := f.svc.PollMessage(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("poll before a job exists must be rejected, got %v", err)
	}
	if _, err := f.svc.Complete(ctx, id, ResponseSubmission{Answers: answers()}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("complete before message must be rejected, got %v", err)
	}
}

func TestCompleteRetriesAfterRecordFailure(t *testing.T) {
	f := newFlowFixture(t, 0.7, nil, time.Minute)
	id := f.consent(t)
	res := f.generate(t, id, []string{"check1", "check3"})
	if err := f.svc.StoreMessage(context.Background(), id, res); err != nil {
		t.Fatalf("store: %v", err)
	}

	f.recorder.err = ErrRecordFailed
	_, err := f.svc.Complete(context.Background(), id, ResponseSubmission{Answers: answers()})
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorUnavailable {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	sess, err := f.svc.Session(id)
	if err != nil || sess.State != models.StateMessageReady || sess.Answers != nil {
		t.Fatalf("session must stay retryable: %+v %v", sess, err)
	}

	f.recorder.err = nil
	if _, err := f.svc.Complete(context.Background(), id, ResponseSubmission{Answers: answers()}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(f.recorder.records) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(f.recorder.records))
	}
}

func TestCompleteRequiresFiveAnswers(t *testing.T) {
	f := newFlowFixture(t, 0.1, nil, time.Minute)
	_, err := f.svc.Complete(context.Background(), f.consent(t), ResponseSubmission{Answers: []string{"1"}})
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorInvalid {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestPollMessageFailedJob(t *testing.T) {
	failing := func(ctx context.Context, in jobs.Input) (models.MessageResult, error) {
		return models.MessageResult{}, ErrGenerationFailed
	}
	f := newFlowFixture(t, 0.1, failing, time.Minute)
	id := f.consent(t)
	if _, err := f.svc.SubmitForm(id, FormSubmission{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	jobID, err := f.svc.RequestMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_, _ = f.queue.Await(context.Background(), jobID)

	_, err = f.svc.PollMessage(context.Background(), id)
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorBadGateway || se.Message != jobs.FailureMarker {
		t.Fatalf("expected opaque failure marker, got %v", err)
	}

	// a new request replaces the failed job
	if _, err := f.svc.RequestMessage(context.Background(), id); err != nil {
		t.Fatalf("re-request: %v", err)
	}
}

func TestPollMessageTimeout(t *testing.T) {
	blocking := func(ctx context.Context, in jobs.Input) (models.MessageResult, error) {
		<-ctx.Done()
		return models.MessageResult{}, ctx.Err()
	}
	f := newFlowFixture(t, 0.1, blocking, 20*time.Millisecond)
	id := f.consent(t)
	if _, err := f.svc.SubmitForm(id, FormSubmission{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.svc.RequestMessage(context.Background(), id); err != nil {
		t.Fatalf("request: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	_, err := f.svc.PollMessage(context.Background(), id)
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorTimeout || !errors.Is(err, jobs.ErrJobTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestSaveUserInput(t *testing.T) {
	f := newFlowFixture(t, 0.1, nil, time.Minute)
	if err := f.svc.SaveUserInput("", "hello"); err != nil {
		t.Fatalf("anonymous input: %v", err)
	}
	if err := f.svc.SaveUserInput("missing", "hello"); err != nil {
		t.Fatalf("unknown session input: %v", err)
	}
	id := f.consent(t)
	if err := f.svc.SaveUserInput(id, "hello"); err != nil {
		t.Fatalf("save: %v", err)
	}
	sess, _ := f.svc.Session(id)
	if sess.UserInput != "hello" {
		t.Fatalf("expected stored input, got %q", sess.UserInput)
	}
}
