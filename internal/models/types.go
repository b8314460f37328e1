package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Condition is the experimental arm a participant is assigned to.
type Condition string

const (
	ConditionMicrotargeting      Condition = "microtargeting"
	ConditionNoMicrotargeting    Condition = "no microtargeting"
	ConditionFalseMicrotargeting Condition = "false microtargeting"
	ConditionControl             Condition = "control"
)

// AttentionOutcome records how the participant answered the attention check.
type AttentionOutcome string

const (
	AttentionPass  AttentionOutcome = "pass"
	AttentionFail  AttentionOutcome = "fail"
	AttentionError AttentionOutcome = "error"
)

// SessionState is the lifecycle tag of a ParticipantSession.
type SessionState string

const (
	StateCreated             SessionState = "created"
	StateAttributesCollected SessionState = "attributes_collected"
	StateConditionAssigned   SessionState = "condition_assigned"
	StateMessageReady        SessionState = "message_ready"
	StateRecorded            SessionState = "recorded"
)

// AttributeKey names one of the ten demographic/ideological attributes.
type AttributeKey string

const (
	AttrAge                    AttributeKey = "age"
	AttrEthnicity              AttributeKey = "ethnicity"
	AttrGender                 AttributeKey = "gender"
	AttrEducation              AttributeKey = "education"
	AttrReligiousAffiliation   AttributeKey = "religious_affiliation"
	AttrOccupation             AttributeKey = "occupation"
	AttrGeographicLocation     AttributeKey = "geographic_location"
	AttrPartyAffiliation       AttributeKey = "party_affiliation"
	AttrIdeologicalAffiliation AttributeKey = "ideological_affiliation"
	AttrPoliticalEngagement    AttributeKey = "political_engagement"
)

// NumAttributes is the size of the fixed attribute record.
const NumAttributes = 10

// AttributeKeys lists every attribute in canonical (form and column) order.
var AttributeKeys = [NumAttributes]AttributeKey{
	AttrAge,
	AttrEthnicity,
	AttrGender,
	AttrEducation,
	AttrReligiousAffiliation,
	AttrOccupation,
	AttrGeographicLocation,
	AttrPartyAffiliation,
	AttrIdeologicalAffiliation,
	AttrPoliticalEngagement,
}

// ErrUnknownAttribute is returned for keys outside AttributeKeys.
var ErrUnknownAttribute = errors.New("unknown attribute key")

// AttributeIndex returns the position of k in AttributeKeys.
func AttributeIndex(k AttributeKey) (int, bool) {
	for i, key := range AttributeKeys {
		if key == k {
			return i, true
		}
	}
	return -1, false
}

// Attributes is the fixed record of self-reported participant attributes.
// An empty string means the participant left the field blank.
type Attributes struct {
	Age                    string `json:"age,omitempty"`
	Ethnicity              string `json:"ethnicity,omitempty"`
	Gender                 string `json:"gender,omitempty"`
	Education              string `json:"education,omitempty"`
	ReligiousAffiliation   string `json:"religious_affiliation,omitempty"`
	Occupation             string `json:"occupation,omitempty"`
	GeographicLocation     string `json:"geographic_location,omitempty"`
	PartyAffiliation       string `json:"party_affiliation,omitempty"`
	IdeologicalAffiliation string `json:"ideological_affiliation,omitempty"`
	PoliticalEngagement    string `json:"political_engagement,omitempty"`
}

func (a *Attributes) field(k AttributeKey) *string {
	switch k {
	case AttrAge:
		return &a.Age
	case AttrEthnicity:
		return &a.Ethnicity
	case AttrGender:
		return &a.Gender
	case AttrEducation:
		return &a.Education
	case AttrReligiousAffiliation:
		return &a.ReligiousAffiliation
	case AttrOccupation:
		return &a.Occupation
	case AttrGeographicLocation:
		return &a.GeographicLocation
	case AttrPartyAffiliation:
		return &a.PartyAffiliation
	case AttrIdeologicalAffiliation:
		return &a.IdeologicalAffiliation
	case AttrPoliticalEngagement:
		return &a.PoliticalEngagement
	}
	return nil
}

// Get returns the value stored for k and whether it is present.
func (a Attributes) Get(k AttributeKey) (string, bool) {
	f := a.field(k)
	if f == nil || *f == "" {
		return "", false
	}
	return *f, true
}

// Set stores v under k. Unknown keys are rejected.
func (a *Attributes) Set(k AttributeKey, v string) error {
	f := a.field(k)
	if f == nil {
		return fmt.Errorf("%w: %q", ErrUnknownAttribute, k)
	}
	*f = v
	return nil
}

// AttributePair is one present attribute.
type AttributePair struct {
	Key   AttributeKey
	Value string
}

// Available returns the present attributes in canonical order.
func (a Attributes) Available() []AttributePair {
	out := make([]AttributePair, 0, NumAttributes)
	for _, k := range AttributeKeys {
		if v, ok := a.Get(k); ok {
			out = append(out, AttributePair{Key: k, Value: v})
		}
	}
	return out
}

// TargetedFlags records, per attribute, whether it was used to tailor the message.
type TargetedFlags [NumAttributes]bool

// Has reports whether k is flagged.
func (t TargetedFlags) Has(k AttributeKey) bool {
	i, ok := AttributeIndex(k)
	return ok && t[i]
}

// Count returns the number of flagged attributes.
func (t TargetedFlags) Count() int {
	n := 0
	for _, v := range t {
		if v {
			n++
		}
	}
	return n
}

// TargetedFromKeys derives the flag record from a list of selected keys.
// Duplicate or unknown keys are rejected so the flags always agree with len(keys).
func TargetedFromKeys(keys []AttributeKey) (TargetedFlags, error) {
	var t TargetedFlags
	for _, k := range keys {
		i, ok := AttributeIndex(k)
		if !ok {
			return TargetedFlags{}, fmt.Errorf("%w: %q", ErrUnknownAttribute, k)
		}
		if t[i] {
			return TargetedFlags{}, fmt.Errorf("duplicate targeted attribute %q", k)
		}
		t[i] = true
	}
	return t, nil
}

// MessageResult is the output of one message generation. On the wire it is the
// four element array [prompt, message, selected_keys, targeted_count].
type MessageResult struct {
	Prompt        string
	Message       string
	SelectedKeys  []AttributeKey
	TargetedCount int
}

// Validate checks that TargetedCount agrees with SelectedKeys.
func (r MessageResult) Validate() error {
	if r.TargetedCount != len(r.SelectedKeys) {
		return fmt.Errorf("targeted count %d does not match %d selected keys", r.TargetedCount, len(r.SelectedKeys))
	}
	if _, err := TargetedFromKeys(r.SelectedKeys); err != nil {
		return err
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r MessageResult) MarshalJSON() ([]byte, error) {
	var keys any
	if r.SelectedKeys != nil {
		keys = r.SelectedKeys
	}
	return json.Marshal([]any{nullableString(r.Prompt), nullableString(r.Message), keys, r.TargetedCount})
}

func (r *MessageResult) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("message result: %w", err)
	}
	if len(raw) != 4 {
		return fmt.Errorf("message result: want 4 elements, got %d", len(raw))
	}
	var out MessageResult
	var prompt, message *string
	if err := json.Unmarshal(raw[0], &prompt); err != nil {
		return fmt.Errorf("message result prompt: %w", err)
	}
	if err := json.Unmarshal(raw[1], &message); err != nil {
		return fmt.Errorf("message result message: %w", err)
	}
	if err := json.Unmarshal(raw[2], &out.SelectedKeys); err != nil {
		return fmt.Errorf("message result keys: %w", err)
	}
	if err := json.Unmarshal(raw[3], &out.TargetedCount); err != nil {
		return fmt.Errorf("message result count: %w", err)
	}
	if prompt != nil {
		out.Prompt = *prompt
	}
	if message != nil {
		out.Message = *message
	}
	*r = out
	return nil
}

// MaxAnswers is the number of dependent-variable answers collected per participant.
const MaxAnswers = 5

// ParticipantSession is the per-browser-session state carried across the survey flow.
type ParticipantSession struct {
	ID                string       `json:"id"`
	State             SessionState `json:"state"`
	ProlificPID       string       `json:"prolific_pid,omitempty"`
	StudyID           string       `json:"study_id,omitempty"`
	PlatformSessionID string       `json:"platform_session_id,omitempty"`
	StartedAt         time.Time    `json:"started_at"`
	EndedAt           time.Time    `json:"ended_at"`

	Condition      Condition        `json:"condition,omitempty"`
	IssueStance    string           `json:"issue_stance,omitempty"`
	Attributes     Attributes       `json:"attributes"`
	AttentionCheck AttentionOutcome `json:"attention_check,omitempty"`

	JobID                    string         `json:"job_id,omitempty"`
	ModelPrompt              string         `json:"model_prompt,omitempty"`
	Message                  string         `json:"message,omitempty"`
	SelectedKeys             []AttributeKey `json:"selected_keys,omitempty"`
	NumberAttributesTargeted int            `json:"number_attributes_targeted"`
	Targeted                 TargetedFlags  `json:"targeted"`

	Answers        []string `json:"answers,omitempty"`
	MetaPerception *string  `json:"meta_perception,omitempty"`
	Authorship     *string  `json:"authorship,omitempty"`

	UserInput string `json:"user_input,omitempty"`
}

// ApplyMessage copies a generation result into the session, deriving the
// targeted flags from the selected keys.
func (s *ParticipantSession) ApplyMessage(r MessageResult) error {
	if err := r.Validate(); err != nil {
		return err
	}
	flags, err := TargetedFromKeys(r.SelectedKeys)
	if err != nil {
		return err
	}
	s.ModelPrompt = r.Prompt
	s.Message = r.Message
	s.SelectedKeys = append([]AttributeKey(nil), r.SelectedKeys...)
	s.NumberAttributesTargeted = r.TargetedCount
	s.Targeted = flags
	return nil
}

// Elapsed is the time between consent and completion.
func (s *ParticipantSession) Elapsed() time.Duration {
	if s.EndedAt.IsZero() || s.StartedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Clone returns a deep copy of the session.
func (s *ParticipantSession) Clone() *ParticipantSession {
	cp := *s
	cp.SelectedKeys = append([]AttributeKey(nil), s.SelectedKeys...)
	cp.Answers = append([]string(nil), s.Answers...)
	if s.MetaPerception != nil {
		v := *s.MetaPerception
		cp.MetaPerception = &v
	}
	if s.Authorship != nil {
		v := *s.Authorship
		cp.Authorship = &v
	}
	return &cp
}
