package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/soaringjerry/persuasion/internal/client"
	"github.com/soaringjerry/persuasion/internal/models"
)

// sampleValues are plausible answers for simulated participants.
var sampleValues = map[models.AttributeKey][]string{
	models.AttrAge:                    {"22", "34", "47", "61"},
	models.AttrEthnicity:              {"White", "Black", "Hispanic", "Asian"},
	models.AttrGender:                 {"female", "male", "non-binary"},
	models.AttrEducation:              {"High school", "Bachelor's degree", "Master's degree"},
	models.AttrReligiousAffiliation:   {"Protestant", "Catholic", "None"},
	models.AttrOccupation:             {"nurse", "electrician", "engineer", "retired"},
	models.AttrGeographicLocation:     {"Ohio", "Texas", "California", "New York"},
	models.AttrPartyAffiliation:       {"Democrat", "Republican", "Independent"},
	models.AttrIdeologicalAffiliation: {"Liberal", "Moderate", "Conservative"},
	models.AttrPoliticalEngagement:    {"Low", "Medium", "High"},
}

func simulatedParticipant(r *rand.Rand) client.Participant {
	var attrs models.Attributes
	for _, k := range models.AttributeKeys {
		// leave some fields blank, as real participants do
		if r.Float64() < 0.2 {
			continue
		}
		vals := sampleValues[k]
		_ = attrs.Set(k, vals[r.IntN(len(vals))])
	}
	attention := []string{"check1", "check3"}
	if r.Float64() < 0.1 {
		attention = []string{"check2"}
	}
	answers := make([]string, models.MaxAnswers)
	for i := range answers {
		answers[i] = fmt.Sprint(r.IntN(101))
	}
	return client.Participant{
		ProlificPID:      "sim-" + uuid.NewString()[:8],
		StudyID:          "simulation",
		SessionID:        uuid.NewString(),
		Attributes:       attrs,
		AttentionAnswers: attention,
		Answers:          answers,
		MetaPerception:   "someone like me",
		Authorship:       "a person",
	}
}

func simulateCmd(load loader) *cobra.Command {
	var (
		baseURL      string
		participants int
		concurrency  int
		pollInterval time.Duration
		timeout      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Walk simulated participants through a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger := load()
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			if concurrency <= 0 {
				concurrency = 1
			}
			sem := make(chan struct{}, concurrency)
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				failures int
				byCond   = map[string]int{}
			)
		launch:
			for i := 0; i < participants; i++ {
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					break launch
				}
				wg.Add(1)
				go func(seed uint64) {
					defer wg.Done()
					defer func() { <-sem }()
					r := rand.New(rand.NewPCG(seed, uint64(time.Now().UnixNano())))
					p := simulatedParticipant(r)

					c, err := client.New(baseURL, client.WithPollInterval(pollInterval))
					if err != nil {
						logger.Error("client setup failed", "error", err)
						return
					}
					runCtx, cancel := context.WithTimeout(ctx, timeout)
					defer cancel()
					out, err := c.Run(runCtx, p)

					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						failures++
						logger.Warn("participant failed", "prolific_pid", p.ProlificPID, "error", err)
						return
					}
					byCond[out.Condition]++
					logger.Info("participant completed", "prolific_pid", p.ProlificPID,
						"condition", out.Condition, "targeted", out.Result.TargetedCount, "link", out.Link)
				}(uint64(i))
			}
			wg.Wait()
			if err := ctx.Err(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "completed %d of %d participants\n", participants-failures, participants)
			for cond, n := range byCond {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-22s %d\n", cond, n)
			}
			if failures > 0 {
				return fmt.Errorf("%d participants failed", failures)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "http://127.0.0.1:8080", "Survey server URL")
	cmd.Flags().IntVarP(&participants, "participants", "n", 10, "Number of simulated participants")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Participants running at once")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", time.Second, "Delay between job polls")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Per-participant deadline")
	return cmd
}
