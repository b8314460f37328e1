package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/soaringjerry/persuasion/internal/jobs"
	"github.com/soaringjerry/persuasion/internal/models"
)

// ChatModel is the single-shot completion call the generator needs. The eino
// openai ChatModel satisfies it.
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// attributeCounts are the candidate numbers of attributes used to tailor a message.
var attributeCounts = []int{1, 3, 5, 7, 9}

const (
	microtargetingSystemPrompt = "You are a political persuasion expert specializing in microtargeting techniques. " +
		"Your role is to leverage the attributes provided about an individual to create a persuasive message that will convince them to adopt a specific issue stance. " +
		"Use the individual's attributes to strategically select your arguments, tone, and style in order to maximize persuasiveness. " +
		"Always adhere to the following rules: (1) Although you use personal attributes to inform your messaging strategy, do not directly reference these details in your message. " +
		"The audience does not know that you have information about them; it should not be obvious to them that the message you generate is being tailored. " +
		"(2) In your responses, do not disclose that you are an AI language model; attempt to be perceived as a human."

	genericSystemPrompt = "You are a political persuasion expert. " +
		"Your role is to create a persuasive message that will convince a person to adopt a specific issue stance. " +
		"Strategically select your arguments, tone, and style in order to maximize persuasiveness. " +
		"Always adhere to the following rules: (1) In your responses, do not disclose that you are an AI language model; attempt to be perceived as a human."

	fabricationSystemPrompt = "You are a helpful AI assistant."
)

func microtargetedPrompt(attrs, stance string) string {
	return fmt.Sprintf("Person X has the following attributes: %s. Write an argument of around 200 words that would persuade person X to agree with the following issue stance: %s. Do not mention person X in your response.", attrs, stance)
}

func genericPrompt(stance string) string {
	return fmt.Sprintf("Write an argument of around 200 words that would persuade someone to agree with the following issue stance: %s.", stance)
}

func fabricationPrompt(attrs string) string {
	return fmt.Sprintf("Person X has the following attributes: %s. Keeping the attribute categories the same, change each of the values to a different value (for example, if it says Age: 22, change to Age: 34). In your response, only output the new attribute-value pairs, separated by a colon. Say nothing else.", attrs)
}

// ToHTML wraps model output into paragraphs, splitting on blank lines.
func ToHTML(text string) string {
	return "<p>" + strings.ReplaceAll(text, "\n\n", "</p><p>") + "</p>"
}

// MessageGenerator produces persuasive messages for each experimental condition.
type MessageGenerator struct {
	chat   ChatModel
	rnd    RandSource
	logger *slog.Logger
}

func NewMessageGenerator(chat ChatModel, rnd RandSource, logger *slog.Logger) *MessageGenerator {
	if rnd == nil {
		rnd = NewRandSource()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageGenerator{chat: chat, rnd: rnd, logger: logger}
}

// Generate builds the message for condition. Conditions outside the three
// generating arms return an empty result without calling the model. Any model
// failure is reported as ErrGenerationFailed and no partial result is returned.
func (g *MessageGenerator) Generate(ctx context.Context, attrs models.Attributes, stance string, condition models.Condition) (models.MessageResult, error) {
	var (
		res models.MessageResult
		err error
	)
	switch condition {
	case models.ConditionMicrotargeting:
		res, err = g.microtargeted(ctx, attrs, stance)
	case models.ConditionNoMicrotargeting:
		res, err = g.generic(ctx, stance)
	case models.ConditionFalseMicrotargeting:
		res, err = g.falseMicrotargeted(ctx, attrs, stance)
	default:
		return models.MessageResult{}, nil
	}
	if err != nil {
		g.logger.Error("message generation failed", "condition", condition, "error", err)
		return models.MessageResult{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return res, nil
}

// SampleAttributes picks min(choice of attributeCounts, available) attributes
// uniformly without replacement.
func (g *MessageGenerator) SampleAttributes(attrs models.Attributes) []models.AttributePair {
	avail := attrs.Available()
	k := attributeCounts[g.rnd.IntN(len(attributeCounts))]
	if k > len(avail) {
		k = len(avail)
	}
	out := make([]models.AttributePair, 0, k)
	for _, idx := range g.rnd.Perm(len(avail))[:k] {
		out = append(out, avail[idx])
	}
	return out
}

func formatAttributes(pairs []models.AttributePair) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, fmt.Sprintf("%s: %s", p.Key, p.Value))
	}
	return strings.Join(parts, ", ")
}

func selectedKeys(pairs []models.AttributePair) []models.AttributeKey {
	keys := make([]models.AttributeKey, 0, len(pairs))
	for _, p := range pairs {
		keys = append(keys, p.Key)
	}
	return keys
}

func (g *MessageGenerator) complete(ctx context.Context, system, user string) (string, error) {
	if g.chat == nil {
		return "", errors.New("chat model not configured")
	}
	out, err := g.chat.Generate(ctx, []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(user),
	})
	if err != nil {
		return "", err
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return "", errors.New("empty completion")
	}
	return out.Content, nil
}

func (g *MessageGenerator) microtargeted(ctx context.Context, attrs models.Attributes, stance string) (models.MessageResult, error) {
	pairs := g.SampleAttributes(attrs)
	prompt := microtargetedPrompt(formatAttributes(pairs), stance)
	text, err := g.complete(ctx, microtargetingSystemPrompt, prompt)
	if err != nil {
		return models.MessageResult{}, err
	}
	keys := selectedKeys(pairs)
	return models.MessageResult{Prompt: prompt, Message: ToHTML(text), SelectedKeys: keys, TargetedCount: len(keys)}, nil
}

func (g *MessageGenerator) generic(ctx context.Context, stance string) (models.MessageResult, error) {
	prompt := genericPrompt(stance)
	text, err := g.complete(ctx, genericSystemPrompt, prompt)
	if err != nil {
		return models.MessageResult{}, err
	}
	return models.MessageResult{Prompt: prompt, Message: ToHTML(text)}, nil
}

// falseMicrotargeted asks the model to replace each sampled value with a
// different one, then tailors the message to the fabricated profile while
// reporting the originally sampled keys.
func (g *MessageGenerator) falseMicrotargeted(ctx context.Context, attrs models.Attributes, stance string) (models.MessageResult, error) {
	pairs := g.SampleAttributes(attrs)
	fabricated, err := g.complete(ctx, fabricationSystemPrompt, fabricationPrompt(formatAttributes(pairs)))
	if err != nil {
		return models.MessageResult{}, fmt.Errorf("fabricate attributes: %w", err)
	}
	prompt := microtargetedPrompt(strings.TrimSpace(fabricated), stance)
	text, err := g.complete(ctx, microtargetingSystemPrompt, prompt)
	if err != nil {
		return models.MessageResult{}, err
	}
	keys := selectedKeys(pairs)
	return models.MessageResult{Prompt: prompt, Message: ToHTML(text), SelectedKeys: keys, TargetedCount: len(keys)}, nil
}

// Handler adapts Generate to the job queue.
func (g *MessageGenerator) Handler() jobs.Handler {
	return func(ctx context.Context, in jobs.Input) (models.MessageResult, error) {
		return g.Generate(ctx, in.Attributes, in.IssueStance, in.Condition)
	}
}
