package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soaringjerry/persuasion/internal/jobs"
	"github.com/soaringjerry/persuasion/internal/models"
)

// SessionStore keeps live participant sessions keyed by id.
type SessionStore interface {
	CreateSession(s *models.ParticipantSession) error
	// GetSession returns a copy, or nil when the id is unknown.
	GetSession(id string) (*models.ParticipantSession, error)
	// UpdateSession runs fn against the stored session while holding that
	// session's lock. Changes are kept only if fn returns nil.
	UpdateSession(id string, fn func(*models.ParticipantSession) error) error
	DeleteSession(id string) error
}

// ResultRecorder persists a completed session.
type ResultRecorder interface {
	Record(ctx context.Context, s *models.ParticipantSession) error
}

const (
	DefaultCompletionURLPass = "https://app.prolific.co/submissions/complete?cc=C8BZSZAG"
	DefaultCompletionURLFail = "https://app.prolific.co/submissions/complete?cc=CP3UA9DS"
)

type SessionServiceConfig struct {
	CompletionURLPass string
	CompletionURLFail string
	JobPriority       jobs.Priority
	Logger            *slog.Logger
}

// SessionService drives one participant through consent, assignment,
// generation, response collection and recording.
type SessionService struct {
	store      SessionStore
	catalog    *Catalog
	randomizer *Randomizer
	queue      jobs.Queue
	recorder   ResultRecorder
	cfg        SessionServiceConfig
	logger     *slog.Logger
	now        func() time.Time
	idGen      func() string
}

func NewSessionService(store SessionStore, catalog *Catalog, randomizer *Randomizer, queue jobs.Queue, recorder ResultRecorder, cfg SessionServiceConfig) *SessionService {
	if cfg.CompletionURLPass == "" {
		cfg.CompletionURLPass = DefaultCompletionURLPass
	}
	if cfg.CompletionURLFail == "" {
		cfg.CompletionURLFail = DefaultCompletionURLFail
	}
	if cfg.JobPriority == "" {
		cfg.JobPriority = jobs.PriorityDefault
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionService{
		store:      store,
		catalog:    catalog,
		randomizer: randomizer,
		queue:      queue,
		recorder:   recorder,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		idGen:      func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
}

func (s *SessionService) Catalog() *Catalog { return s.catalog }

func expectState(op string, sess *models.ParticipantSession, want ...models.SessionState) error {
	for _, w := range want {
		if sess.State == w {
			return nil
		}
	}
	names := make([]string, 0, len(want))
	for _, w := range want {
		names = append(names, string(w))
	}
	return &TransitionError{Op: op, From: string(sess.State), Want: names}
}

// get returns the live session or ErrSessionNotFound.
func (s *SessionService) get(id string) (*models.ParticipantSession, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	sess, err := s.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *SessionService) update(id string, fn func(*models.ParticipantSession) error) error {
	if id == "" {
		return ErrSessionNotFound
	}
	return s.store.UpdateSession(id, fn)
}

// Session returns a copy of the live session.
func (s *SessionService) Session(id string) (*models.ParticipantSession, error) {
	return s.get(id)
}

type ConsentRequest struct {
	AgeCertify        string
	Consent           string
	ProlificPID       string
	StudyID           string
	PlatformSessionID string
}

// Consent opens a session when the participant certified their age and agreed.
func (s *SessionService) Consent(req ConsentRequest) (*models.ParticipantSession, error) {
	if req.AgeCertify != "on" || req.Consent != "agree" {
		return nil, ErrNoConsent
	}
	sess := &models.ParticipantSession{
		ID:                s.idGen(),
		State:             models.StateCreated,
		ProlificPID:       req.ProlificPID,
		StudyID:           req.StudyID,
		PlatformSessionID: req.PlatformSessionID,
		StartedAt:         s.now(),
		AttentionCheck:    models.AttentionError,
	}
	if err := s.store.CreateSession(sess); err != nil {
		return nil, err
	}
	s.logger.Info("session started", "session", sess.ID)
	return sess, nil
}

// SaveUserInput stores free text on the session when one exists.
func (s *SessionService) SaveUserInput(id, text string) error {
	if id == "" {
		return nil
	}
	err := s.update(id, func(sess *models.ParticipantSession) error {
		sess.UserInput = text
		return nil
	})
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	return err
}

// AttentionView is the attention-check page content.
type AttentionView struct {
	Question   string
	Attributes []models.AttributeKey
}

func (s *SessionService) AttentionView(id string) (*AttentionView, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if err := expectState("index", sess, models.StateCreated); err != nil {
		return nil, err
	}
	return &AttentionView{
		Question:   s.catalog.AttentionCheckQuestion(),
		Attributes: append([]models.AttributeKey(nil), models.AttributeKeys[:]...),
	}, nil
}

type FormSubmission struct {
	Attributes       models.Attributes
	AttentionAnswers []string
}

// SubmitForm stores the attributes and attention-check outcome, then assigns a
// condition and stance.
func (s *SessionService) SubmitForm(id string, form FormSubmission) (Assignment, error) {
	var out Assignment
	err := s.update(id, func(sess *models.ParticipantSession) error {
		if err := expectState("process_form", sess, models.StateCreated); err != nil {
			return err
		}
		sess.Attributes = form.Attributes
		sess.AttentionCheck = EvaluateAttentionCheck(form.AttentionAnswers, s.catalog.AttentionCheckAnswers())
		sess.State = models.StateAttributesCollected

		out = s.randomizer.Assign()
		sess.Condition = out.Condition
		sess.IssueStance = out.IssueStance
		sess.State = models.StateConditionAssigned
		return nil
	})
	if err != nil {
		return Assignment{}, err
	}
	s.logger.Info("condition assigned", "session", id, "condition", out.Condition)
	return out, nil
}

// RequestMessage submits the generation job for the session's assignment. It
// may be repeated before a message is stored; the previous job is cancelled.
func (s *SessionService) RequestMessage(ctx context.Context, id string) (string, error) {
	sess, err := s.get(id)
	if err != nil {
		return "", err
	}
	if err := expectState("message_generation", sess, models.StateConditionAssigned); err != nil {
		return "", err
	}
	jobID, err := s.queue.Submit(ctx, jobs.Input{
		Attributes:  sess.Attributes,
		IssueStance: sess.IssueStance,
		Condition:   sess.Condition,
	}, jobs.WithPriority(s.cfg.JobPriority))
	if err != nil {
		return "", NewUnavailableError("job queue unavailable", err)
	}

	var previous string
	err = s.update(id, func(cur *models.ParticipantSession) error {
		if err := expectState("message_generation", cur, models.StateConditionAssigned); err != nil {
			return err
		}
		previous = cur.JobID
		cur.JobID = jobID
		return nil
	})
	if err != nil {
		_ = s.queue.Cancel(ctx, jobID)
		return "", err
	}
	if previous != "" && previous != jobID {
		if err := s.queue.Cancel(ctx, previous); err != nil && !errors.Is(err, jobs.ErrJobNotFound) {
			s.logger.Warn("cancel superseded job failed", "session", id, "job", previous, "error", err)
		}
	}
	s.logger.Info("message job submitted", "session", id, "job", jobID, "condition", sess.Condition)
	return jobID, nil
}

// PollResult is a non-blocking view of the session's generation job.
type PollResult struct {
	Done   bool
	Result models.MessageResult
}

// PollMessage reports whether the session's job has finished. Failed,
// cancelled and expired jobs surface as typed service errors.
func (s *SessionService) PollMessage(ctx context.Context, id string) (PollResult, error) {
	sess, err := s.get(id)
	if err != nil {
		return PollResult{}, err
	}
	if err := expectState("job_polling", sess, models.StateConditionAssigned, models.StateMessageReady); err != nil {
		return PollResult{}, err
	}
	if sess.JobID == "" {
		return PollResult{}, &TransitionError{Op: "job_polling", From: string(sess.State), Want: []string{"job submitted"}}
	}
	return s.pollJob(ctx, sess.JobID)
}

// pollJob maps the queue's view of a job onto service errors. A missing job
// keeps jobs.ErrJobNotFound in its chain.
func (s *SessionService) pollJob(ctx context.Context, jobID string) (PollResult, error) {
	snap, err := s.queue.Poll(ctx, jobID)
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		return PollResult{}, &ServiceError{Code: ErrorNotFound, Message: "job not found", Err: err}
	case errors.Is(err, jobs.ErrJobTimeout):
		return PollResult{}, &ServiceError{Code: ErrorTimeout, Message: "message generation timed out", Err: err}
	case errors.Is(err, jobs.ErrJobCancelled):
		return PollResult{}, NewBadGatewayError(jobs.FailureMarker, err)
	case err != nil:
		return PollResult{}, NewUnavailableError("job queue unavailable", err)
	}
	switch {
	case snap.Status == jobs.StatusFailed:
		return PollResult{}, NewBadGatewayError(jobs.FailureMarker, jobs.ErrJobFailed)
	case snap.Done():
		return PollResult{Done: true, Result: *snap.Result}, nil
	}
	return PollResult{}, nil
}

// StoreMessage attaches the generated message to the session. Only a finished
// job's result is stored; the submitted copy is used only once the job has
// aged out of the queue and no message has been stored yet.
func (s *SessionService) StoreMessage(ctx context.Context, id string, submitted models.MessageResult) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	if err := expectState("get_message", sess, models.StateConditionAssigned, models.StateMessageReady); err != nil {
		return err
	}
	if sess.JobID == "" {
		return &TransitionError{Op: "get_message", From: string(sess.State), Want: []string{"job submitted"}}
	}
	var res models.MessageResult
	poll, err := s.pollJob(ctx, sess.JobID)
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		if sess.State == models.StateMessageReady {
			return nil
		}
		s.logger.Warn("job result gone, storing submitted message", "session", id, "job", sess.JobID)
		res = submitted
	case err != nil:
		return err
	case !poll.Done:
		return &TransitionError{Op: "get_message", From: string(sess.State), Want: []string{"job finished"}}
	default:
		res = poll.Result
	}
	if err := res.Validate(); err != nil {
		return NewInvalidError(err.Error())
	}
	err = s.update(id, func(cur *models.ParticipantSession) error {
		if err := expectState("get_message", cur, models.StateConditionAssigned, models.StateMessageReady); err != nil {
			return err
		}
		if err := cur.ApplyMessage(res); err != nil {
			return NewInvalidError(err.Error())
		}
		cur.State = models.StateMessageReady
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug("message stored", "session", id, "targeted", res.TargetedCount)
	return nil
}

// ResponseView is the dependent-variable page content.
type ResponseView struct {
	Message                string
	Condition              models.Condition
	IssueStance            string
	IssueKey               IssueKey
	Questions              []string
	MetaPerceptionQuestion string
	AuthorshipQuestion     string
}

func (s *SessionService) ResponseView(id string) (*ResponseView, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if err := expectState("response", sess, models.StateMessageReady); err != nil {
		return nil, err
	}
	key, ok := s.catalog.StanceToIssueKey(sess.IssueStance)
	if !ok {
		return nil, NewInvalidError("unknown issue stance")
	}
	return &ResponseView{
		Message:                sess.Message,
		Condition:              sess.Condition,
		IssueStance:            sess.IssueStance,
		IssueKey:               key,
		Questions:              s.catalog.QuestionsFor(key),
		MetaPerceptionQuestion: s.catalog.MetaPerceptionQuestion(),
		AuthorshipQuestion:     s.catalog.AuthorshipQuestion(),
	}, nil
}

type ResponseSubmission struct {
	Answers        []string
	MetaPerception *string
	Authorship     *string
}

// Debrief is returned once the session has been recorded and cleared.
type Debrief struct {
	AttentionCheck models.AttentionOutcome
	Link           string
}

// Complete records the participant's answers and clears the session. A failed
// write leaves the session in message_ready so the submission can be retried.
func (s *SessionService) Complete(ctx context.Context, id string, sub ResponseSubmission) (*Debrief, error) {
	if len(sub.Answers) != models.MaxAnswers {
		return nil, NewInvalidError("five answers required")
	}
	var debrief Debrief
	err := s.update(id, func(sess *models.ParticipantSession) error {
		if err := expectState("response", sess, models.StateMessageReady); err != nil {
			return err
		}
		rec := *sess
		rec.Answers = append([]string(nil), sub.Answers...)
		if rec.Condition == models.ConditionControl {
			rec.MetaPerception = nil
			rec.Authorship = nil
		} else {
			rec.MetaPerception = sub.MetaPerception
			rec.Authorship = sub.Authorship
		}
		rec.EndedAt = s.now()
		if err := s.recorder.Record(ctx, &rec); err != nil {
			if _, ok := AsServiceError(err); ok {
				return err
			}
			return NewUnavailableError("could not save your responses, please resubmit", err)
		}
		rec.State = models.StateRecorded
		*sess = rec
		debrief.AttentionCheck = rec.AttentionCheck
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteSession(id); err != nil {
		s.logger.Warn("clear session failed", "session", id, "error", err)
	}
	debrief.Link = s.cfg.CompletionURLFail
	if debrief.AttentionCheck == models.AttentionPass {
		debrief.Link = s.cfg.CompletionURLPass
	}
	s.logger.Info("session recorded", "session", id, "attention_check", debrief.AttentionCheck)
	return &debrief, nil
}
