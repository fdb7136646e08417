package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/devpilot/devpilot/internal/textgen"
	"github.com/devpilot/devpilot/pkg/models"
)

// Artifact names produced by the pipeline stages.
const (
	ArtifactRequirements   = "requirements"
	ArtifactArchitecture   = "architecture"
	ArtifactImplementation = "implementation"
	ArtifactCodeReview     = "code_review"
	ArtifactSecurityReport = "security_report"
	ArtifactTestPlan       = "test_plan"
	ArtifactDeployment     = "deployment"
)

// SpecFor returns the behavior spec for a capability.
func SpecFor(c models.Capability) (Spec, error) {
	switch c {
	case models.CapBusinessAnalyst:
		return businessAnalystSpec(), nil
	case models.CapArchitect:
		return architectSpec(), nil
	case models.CapDeveloper:
		return developerSpec(), nil
	case models.CapCodeReviewer:
		return reviewerSpec(models.CapCodeReviewer, "Code Reviewer", ArtifactCodeReview,
			"You are a senior code reviewer. Review the implementation for correctness, "+
				"clarity, and maintainability. End your review with APPROVED or REJECTED "+
				"on its own line, followed by your findings."), nil
	case models.CapSecurity:
		return reviewerSpec(models.CapSecurity, "Security Engineer", ArtifactSecurityReport,
			"You are a security engineer. Audit the implementation for vulnerabilities, "+
				"injection risks, secret handling, and unsafe defaults. End your report "+
				"with APPROVED or REJECTED on its own line, followed by your findings."), nil
	case models.CapQA:
		return qaSpec(), nil
	case models.CapDevOps:
		return devOpsSpec(), nil
	default:
		return Spec{}, fmt.Errorf("no spec for capability %q", c)
	}
}

func businessAnalystSpec() Spec {
	system := "You are a business analyst. Turn raw project requirements into " +
		"structured user stories with acceptance criteria."
	return Spec{
		Capability:   models.CapBusinessAnalyst,
		Name:         "Business Analyst",
		SystemPrompt: system,
		Produce: producer(ArtifactRequirements, system, func(task *models.Task, in Input) string {
			return fmt.Sprintf("Project requirements:\n%s\n\n%sProduce structured user stories with acceptance criteria.",
				in.Requirements, feedbackSection(in))
		}),
	}
}

func architectSpec() Spec {
	system := "You are a software architect. Produce a technical design covering " +
		"components, data model, and interfaces."
	return Spec{
		Capability:   models.CapArchitect,
		Name:         "Architect",
		SystemPrompt: system,
		Produce: producer(ArtifactArchitecture, system, func(task *models.Task, in Input) string {
			return fmt.Sprintf("%sDesign the system described by these user stories.\n\n%s",
				feedbackSection(in), artifactSection(in, ArtifactRequirements))
		}),
	}
}

func developerSpec() Spec {
	system := "You are a software developer. Implement the design faithfully " +
		"and idiomatically."
	return Spec{
		Capability:     models.CapDeveloper,
		Name:           "Developer",
		SystemPrompt:   system,
		ReviewRequired: true,
		Produce: producer(ArtifactImplementation, system, func(task *models.Task, in Input) string {
			return fmt.Sprintf("%sImplement the following design.\n\n%s%s",
				feedbackSection(in),
				artifactSection(in, ArtifactArchitecture),
				artifactSection(in, ArtifactRequirements))
		}),
	}
}

func qaSpec() Spec {
	system := "You are a QA engineer. Write a test plan covering the acceptance " +
		"criteria and evaluate the implementation against it."
	return Spec{
		Capability:   models.CapQA,
		Name:         "QA Engineer",
		SystemPrompt: system,
		Produce: producer(ArtifactTestPlan, system, func(task *models.Task, in Input) string {
			return fmt.Sprintf("Write a test plan for this implementation.\n\n%s%s",
				artifactSection(in, ArtifactImplementation),
				artifactSection(in, ArtifactRequirements))
		}),
	}
}

func devOpsSpec() Spec {
	system := "You are a DevOps engineer. Produce deployment configuration for " +
		"the implementation."
	return Spec{
		Capability:   models.CapDevOps,
		Name:         "DevOps Engineer",
		SystemPrompt: system,
		Produce: producer(ArtifactDeployment, system, func(task *models.Task, in Input) string {
			return fmt.Sprintf("Produce deployment configuration.\n\n%s%s",
				artifactSection(in, ArtifactImplementation),
				artifactSection(in, ArtifactArchitecture))
		}),
	}
}

// producer builds a ProduceFunc that writes one named artifact.
func producer(artifact, system string, prompt func(*models.Task, Input) string) ProduceFunc {
	return func(ctx context.Context, gen textgen.Generator, task *models.Task, in Input) (Output, error) {
		text, err := gen.Generate(ctx, system, prompt(task, in))
		if err != nil {
			return Output{}, fmt.Errorf("%s: %w", task.Capability, err)
		}
		return Output{
			ArtifactName: artifact,
			Content:      text,
			BaseVersion:  in.Artifacts[artifact].Version,
		}, nil
	}
}

// reviewerSpec builds a review capability. The verdict is parsed from
// the generated text: any REJECTED line rejects, otherwise approved.
func reviewerSpec(c models.Capability, name, artifact, system string) Spec {
	return Spec{
		Capability:   c,
		Name:         name,
		SystemPrompt: system,
		Produce: func(ctx context.Context, gen textgen.Generator, task *models.Task, in Input) (Output, error) {
			prompt := fmt.Sprintf("Review the following implementation.\n\n%s%s",
				artifactSection(in, ArtifactImplementation),
				artifactSection(in, ArtifactRequirements))
			text, err := gen.Generate(ctx, system, prompt)
			if err != nil {
				return Output{}, fmt.Errorf("%s: %w", c, err)
			}
			approved := parseVerdict(text)
			return Output{
				ArtifactName: artifact,
				Content:      text,
				BaseVersion:  in.Artifacts[artifact].Version,
				Approved:     &approved,
				Findings:     parseFindings(text),
			}, nil
		},
	}
}

// parseVerdict reads the review decision out of generated text.
func parseVerdict(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "REJECTED") {
			return false
		}
	}
	return true
}

// parseFindings collects bullet lines from a review.
func parseFindings(text string) []string {
	var findings []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			findings = append(findings, strings.TrimSpace(trimmed[2:]))
		}
	}
	return findings
}

// feedbackSection formats rework feedback for a prompt.
func feedbackSection(in Input) string {
	if in.Feedback == "" {
		return ""
	}
	return fmt.Sprintf("Previous output was rejected with this feedback:\n%s\n\nAddress it.\n\n", in.Feedback)
}

// artifactSection formats one artifact for a prompt, or names it missing.
func artifactSection(in Input, name string) string {
	art, ok := in.Artifacts[name]
	if !ok {
		return fmt.Sprintf("## %s\n(not yet produced)\n\n", name)
	}
	return fmt.Sprintf("## %s (v%d)\n%s\n\n", name, art.Version, art.Content)
}

// AllSpecs returns every capability spec in pipeline order.
func AllSpecs() []Spec {
	caps := models.AllCapabilities()
	specs := make([]Spec, 0, len(caps))
	for _, c := range caps {
		s, err := SpecFor(c)
		if err != nil {
			continue
		}
		specs = append(specs, s)
	}
	return specs
}
