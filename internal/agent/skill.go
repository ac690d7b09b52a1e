package agent

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"mng/internal/provider"
	"mng/internal/state"
)

// Skill-provisioned agents are TUI agents that install a skill file on
// the host before their first run. Each registered subtype carries its
// skill name and content.

// SkillSpec describes one skill-provisioned agent subtype.
type SkillSpec struct {
	TypeName     string
	SkillName    string
	SkillContent string
	// ResumeMessage is sent automatically after the agent starts, pointing
	// it at its installed skill.
	ResumeMessage string
}

// RegisterSkillType registers a skill-provisioned agent subtype.
func RegisterSkillType(spec SkillSpec) {
	RegisterType(spec.TypeName, func(data state.AgentData, h provider.OnlineHost, cfg Config) (Agent, error) {
		return &SkillAgent{
			TUIAgent: NewTUIAgent(data, h, cfg),
			spec:     spec,
		}, nil
	})
}

func init() {
	RegisterSkillType(SkillSpec{
		TypeName:  "code-guardian",
		SkillName: "code-guardian",
		SkillContent: `# Code Guardian

Review every change for correctness regressions before it lands. Prefer
small, verifiable findings over broad speculation.
`,
		ResumeMessage: "Use the code-guardian skill to review the working tree.",
	})
	RegisterSkillType(SkillSpec{
		TypeName:  "fixme-fairy",
		SkillName: "fixme-fairy",
		SkillContent: `# Fixme Fairy

Find FIXME/TODO markers with a concrete, safe resolution and fix them one
at a time, each with a test.
`,
		ResumeMessage: "Use the fixme-fairy skill to work through FIXME markers.",
	})
}

// SkillAgent is a TUI agent that installs its skill file before first run.
type SkillAgent struct {
	*TUIAgent
	spec SkillSpec
}

// SkillPath is where the skill file lands on the host, relative to the
// agent user's home directory.
func (a *SkillAgent) SkillPath() string {
	return filepath.Join(".claude", "skills", a.spec.SkillName, "SKILL.md")
}

// InstallSkill writes the skill file, skipping the write when the
// installed content is already identical.
func (a *SkillAgent) InstallSkill(ctx context.Context) error {
	res, err := a.host.ExecuteCommand(ctx, "echo -n \"$HOME\"", 10*time.Second)
	if err != nil {
		return err
	}
	home := res.Stdout
	if !res.Success || home == "" {
		return fmt.Errorf("resolving home directory for skill install: %s", res.Stderr)
	}
	path := filepath.Join(home, a.SkillPath())

	if existing, err := a.host.Connector().ReadFile(ctx, path); err == nil &&
		bytes.Equal(existing, []byte(a.spec.SkillContent)) {
		return nil
	}
	mkdir := fmt.Sprintf("mkdir -p '%s'", filepath.Dir(path))
	if res, err := a.host.ExecuteCommand(ctx, mkdir, 10*time.Second); err != nil {
		return err
	} else if !res.Success {
		return fmt.Errorf("creating skill directory: %s", res.Stderr)
	}
	return a.host.WriteTextFile(ctx, path, a.spec.SkillContent)
}

// Start installs the skill, then starts the underlying TUI session.
func (a *SkillAgent) Start(ctx context.Context) error {
	if err := a.InstallSkill(ctx); err != nil {
		return fmt.Errorf("installing skill %s: %w", a.spec.SkillName, err)
	}
	return a.TUIAgent.Start(ctx)
}

func (a *SkillAgent) ResumeMessage() string { return a.spec.ResumeMessage }
