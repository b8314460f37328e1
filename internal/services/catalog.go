package services

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// IssueKey identifies the policy issue behind a stance, e.g. "digital privacy".
type IssueKey string

type catalogIssue struct {
	Keyword   string   `yaml:"keyword"`
	Key       IssueKey `yaml:"key"`
	Questions []string `yaml:"questions"`
}

type catalogDoc struct {
	Stances        []string       `yaml:"stances"`
	Issues         []catalogIssue `yaml:"issues"`
	AttentionCheck struct {
		Question string   `yaml:"question"`
		Correct  []string `yaml:"correct"`
	} `yaml:"attention_check"`
	PostTreatment struct {
		MetaPerception string `yaml:"meta_perception"`
		Authorship     string `yaml:"authorship"`
	} `yaml:"post_treatment"`
}

// Catalog holds the read-only experiment materials.
type Catalog struct {
	doc catalogDoc
}

// QuestionsPerIssue is the number of dependent-variable statements per issue.
const QuestionsPerIssue = 5

// LoadCatalog parses the embedded experiment materials.
func LoadCatalog() (*Catalog, error) {
	return ParseCatalog(catalogYAML)
}

// ParseCatalog parses and validates a catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc catalogDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c := &Catalog{doc: doc}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// MustLoadCatalog is LoadCatalog for process start-up.
func MustLoadCatalog() *Catalog {
	c, err := LoadCatalog()
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) validate() error {
	if len(c.doc.Stances) != 4 {
		return fmt.Errorf("catalog: want 4 stances, got %d", len(c.doc.Stances))
	}
	for _, iss := range c.doc.Issues {
		if len(iss.Questions) != QuestionsPerIssue {
			return fmt.Errorf("catalog: issue %q has %d questions, want %d", iss.Key, len(iss.Questions), QuestionsPerIssue)
		}
	}
	for _, st := range c.doc.Stances {
		if _, ok := c.StanceToIssueKey(st); !ok {
			return fmt.Errorf("catalog: stance %q matches no issue", st)
		}
	}
	if len(c.doc.AttentionCheck.Correct) == 0 {
		return fmt.Errorf("catalog: attention check has no correct answers")
	}
	return nil
}

// Stances returns the issue stances a participant can be assigned.
func (c *Catalog) Stances() []string {
	return append([]string(nil), c.doc.Stances...)
}

// StanceToIssueKey maps a stance to its issue by keyword substring, checking
// keywords in catalog order.
func (c *Catalog) StanceToIssueKey(stance string) (IssueKey, bool) {
	for _, iss := range c.doc.Issues {
		if strings.Contains(stance, iss.Keyword) {
			return iss.Key, true
		}
	}
	return "", false
}

// QuestionsFor returns the ordered dependent-variable statements for an issue.
func (c *Catalog) QuestionsFor(key IssueKey) []string {
	for _, iss := range c.doc.Issues {
		if iss.Key == key {
			return append([]string(nil), iss.Questions...)
		}
	}
	return nil
}

func (c *Catalog) AttentionCheckQuestion() string { return c.doc.AttentionCheck.Question }

func (c *Catalog) AttentionCheckAnswers() []string {
	return append([]string(nil), c.doc.AttentionCheck.Correct...)
}

func (c *Catalog) MetaPerceptionQuestion() string { return c.doc.PostTreatment.MetaPerception }

func (c *Catalog) AuthorshipQuestion() string { return c.doc.PostTreatment.Authorship }
