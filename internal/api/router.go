package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/soaringjerry/persuasion/internal/middleware"
	"github.com/soaringjerry/persuasion/internal/models"
	"github.com/soaringjerry/persuasion/internal/services"
)

const maxBodyBytes = 64 << 10

type Router struct {
	svc     *services.SessionService
	cookies *middleware.SessionCookies
	logger  *slog.Logger
}

func NewRouter(svc *services.SessionService, cookies *middleware.SessionCookies, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{svc: svc, cookies: cookies, logger: logger}
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/", rt.handleWelcome)                      // GET, POST
	mux.HandleFunc("/input", rt.handleInput)                   // GET, POST
	mux.HandleFunc("/index", rt.handleIndex)                   // GET
	mux.HandleFunc("/process_form", rt.handleProcessForm)      // POST
	mux.HandleFunc("/message_generation", rt.handleGeneration) // POST
	mux.HandleFunc("/job_polling", rt.handleJobPolling)        // GET
	mux.HandleFunc("/get_message", rt.handleGetMessage)        // POST
	mux.HandleFunc("/response", rt.handleResponse)             // GET, POST
}

// Handler wraps a fresh mux with the session cookie middleware.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	rt.Register(mux)
	return rt.cookies.WithSession(mux)
}

func sessionID(r *http.Request) string {
	sid, _ := middleware.SessionIDFromContext(r.Context())
	return sid
}

func (rt *Router) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeServiceError(w, rt.logger, services.NewInvalidError("could not read form"))
		return false
	}
	return true
}

// GET / shows the consent page; POST / opens a session.
func (rt *Router) handleWelcome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"page": "welcome", "fields": []string{"ageCertify", "consent"}})
	case http.MethodPost:
		if !rt.parseForm(w, r) {
			return
		}
		q := r.URL.Query()
		sess, err := rt.svc.Consent(services.ConsentRequest{
			AgeCertify:        r.PostForm.Get("ageCertify"),
			Consent:           r.PostForm.Get("consent"),
			ProlificPID:       q.Get("PROLIFIC_PID"),
			StudyID:           q.Get("STUDY_ID"),
			PlatformSessionID: q.Get("SESSION_ID"),
		})
		if errors.Is(err, services.ErrNoConsent) {
			writeJSON(w, http.StatusForbidden, map[string]any{"page": "no_consent", "consent": false})
			return
		}
		if err != nil {
			writeServiceError(w, rt.logger, err)
			return
		}
		if err := rt.cookies.Issue(w, sess.ID); err != nil {
			writeServiceError(w, rt.logger, err)
			return
		}
		http.Redirect(w, r, "/index", http.StatusSeeOther)
	default:
		methodNotAllowed(w)
	}
}

// GET/POST /input echoes free text.
func (rt *Router) handleInput(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"page": "input", "fields": []string{"user_input_field"}})
	case http.MethodPost:
		if !rt.parseForm(w, r) {
			return
		}
		text := r.PostForm.Get("user_input_field")
		if err := rt.svc.SaveUserInput(sessionID(r), text); err != nil {
			writeServiceError(w, rt.logger, err)
			return
		}
		writeText(w, http.StatusOK, fmt.Sprintf("Received user input: %s", text))
	default:
		methodNotAllowed(w)
	}
}

// GET /index shows the attribute form and attention check.
func (rt *Router) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	view, err := rt.svc.AttentionView(sessionID(r))
	if err != nil {
		writeServiceError(w, rt.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page":                     "index",
		"attention_check_question": view.Question,
		"attributes":               view.Attributes,
	})
}

// POST /process_form
func (rt *Router) handleProcessForm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !rt.parseForm(w, r) {
		return
	}
	var attrs models.Attributes
	for _, k := range models.AttributeKeys {
		_ = attrs.Set(k, r.PostForm.Get(string(k)))
	}
	_, err := rt.svc.SubmitForm(sessionID(r), services.FormSubmission{
		Attributes:       attrs,
		AttentionAnswers: r.PostForm["attention_check_question"],
	})
	if err != nil {
		writeServiceError(w, rt.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

// POST /message_generation
func (rt *Router) handleGeneration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	jobID, err := rt.svc.RequestMessage(r.Context(), sessionID(r))
	if err != nil {
		writeServiceError(w, rt.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_key": jobID})
}

// GET /job_polling answers 202 until the message is ready.
func (rt *Router) handleJobPolling(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	res, err := rt.svc.PollMessage(r.Context(), sessionID(r))
	if err != nil {
		writeServiceError(w, rt.logger, err)
		return
	}
	if !res.Done {
		writeText(w, http.StatusAccepted, "Not yet")
		return
	}
	writeJSON(w, http.StatusOK, res.Result)
}

// POST /get_message takes the polled 4-tuple back from the client.
func (rt *Router) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var res models.MessageResult
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&res); err != nil {
		writeServiceError(w, rt.logger, services.NewInvalidError("invalid message payload"))
		return
	}
	if err := rt.svc.StoreMessage(r.Context(), sessionID(r), res); err != nil {
		writeServiceError(w, rt.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"redirect": "/response"})
}

func optionalField(r *http.Request, name string) *string {
	if vs, ok := r.PostForm[name]; ok && len(vs) > 0 {
		v := vs[0]
		return &v
	}
	return nil
}

// GET /response shows the questions; POST /response records and debriefs.
func (rt *Router) handleResponse(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		view, err := rt.svc.ResponseView(sessionID(r))
		if err != nil {
			writeServiceError(w, rt.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"page":                     "response",
			"message":                  view.Message,
			"condition":                view.Condition,
			"issue_stance":             view.IssueStance,
			"issue_key":                view.IssueKey,
			"questions":                view.Questions,
			"meta_perception_question": view.MetaPerceptionQuestion,
			"authorship_question":      view.AuthorshipQuestion,
		})
	case http.MethodPost:
		if !rt.parseForm(w, r) {
			return
		}
		answers := make([]string, models.MaxAnswers)
		for i := range answers {
			answers[i] = r.PostForm.Get(fmt.Sprintf("answer_%d", i+1))
		}
		debrief, err := rt.svc.Complete(r.Context(), sessionID(r), services.ResponseSubmission{
			Answers:        answers,
			MetaPerception: optionalField(r, "meta_perception_question"),
			Authorship:     optionalField(r, "authorship_question"),
		})
		if err != nil {
			writeServiceError(w, rt.logger, err)
			return
		}
		rt.cookies.Clear(w)
		writeJSON(w, http.StatusOK, map[string]any{"page": "debrief", "link": debrief.Link})
	default:
		methodNotAllowed(w)
	}
}
