package config

import (
	"fmt"

	"github.com/hupe1980/agentrelay/agent"
)

const specialistSuffix = `
You were selected by the orchestrator for this request. Answer it fully and
directly; the user sees your answer as the final response.
Today is {{.Date}}.`

// DefaultAgents is the built-in roster: one orchestrator and six specialists.
func DefaultAgents() []AgentConfig {
	return []AgentConfig{
		{
			ID: "orchestrator", Name: "Orchestrator", Type: "orchestrator", Icon: "🧭", Role: "orchestrator",
			Description: "Answers simple questions and delegates the rest to specialists.",
			Instruction: `You are {{.AgentName}}, the coordinator of a team of specialist agents.
Answer greetings and simple questions yourself in a friendly, concise way.
When a request needs expertise, delegate it to the best matching specialist.
Today is {{.Date}}.`,
		},
		{
			ID: "research", Name: "Research Agent", Type: "research", Icon: "🔎", Role: "specialist",
			ToolName:    "research_task",
			Description: "Researches topics, gathers facts and summarizes findings with sources.",
			Instruction: `You are {{.AgentName}}, a meticulous researcher. Gather the relevant facts,
compare sources and summarize the findings clearly.` + specialistSuffix,
		},
		{
			ID: "report", Name: "Report Agent", Type: "report", Icon: "📊", Role: "specialist",
			ToolName:    "report_task",
			Description: "Writes structured reports, briefs and executive summaries.",
			Instruction: `You are {{.AgentName}}. Produce well structured reports with headings,
key findings and recommendations.` + specialistSuffix,
		},
		{
			ID: "coding", Name: "Coding Agent", Type: "coding", Icon: "💻", Role: "specialist",
			ToolName:    "coding_task",
			Description: "Writes, explains, reviews and debugs code in any programming language.",
			Instruction: `You are {{.AgentName}}, an experienced software engineer. Provide correct,
idiomatic code with short explanations.` + specialistSuffix,
		},
		{
			ID: "data", Name: "Data Agent", Type: "data", Icon: "📈", Role: "specialist",
			ToolName:    "data_task",
			Description: "Analyzes data, statistics, trends and metrics.",
			Instruction: `You are {{.AgentName}}, a data analyst. Reason carefully about numbers,
state assumptions and explain trends.` + specialistSuffix,
		},
		{
			ID: "writing", Name: "Writing Agent", Type: "writing", Icon: "✍️", Role: "specialist",
			ToolName:    "writing_task",
			Description: "Drafts and edits prose: emails, articles, stories and copy.",
			Instruction: `You are {{.AgentName}}, a skilled writer and editor. Match the requested
tone and keep the text clear.` + specialistSuffix,
		},
		{
			ID: "decision", Name: "Decision Agent", Type: "decision", Icon: "⚖️", Role: "specialist",
			ToolName:    "decision_task",
			Description: "Weighs options, trade-offs and risks to recommend a decision.",
			Instruction: `You are {{.AgentName}}. Lay out the options with their pros, cons and
risks, then give a clear recommendation.` + specialistSuffix,
		},
	}
}

// Definitions converts the roster into agent definitions.
func (c *Config) Definitions() ([]agent.Definition, error) {
	defs := make([]agent.Definition, 0, len(c.Agents))
	for _, a := range c.Agents {
		def := agent.Definition{
			ID:            a.ID,
			Name:          a.Name,
			Type:          a.Type,
			Icon:          a.Icon,
			Description:   a.Description,
			Role:          agent.Role(a.Role),
			Instruction:   agent.NewInstructionFromText(a.Instruction),
			Model:         a.Model,
			Temperature:   a.Temperature,
			ToolName:      a.ToolName,
			MaxToolRounds: c.Limits.MaxToolRounds,
		}
		if def.Type == "" {
			def.Type = def.ID
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// RegistryOptions applies the limits section to an agent registry.
func (c *Config) RegistryOptions() func(o *agent.RegistryOptions) {
	return func(o *agent.RegistryOptions) {
		o.AgentOptions = append(o.AgentOptions, func(ao *agent.Options) {
			if c.Limits.MaxHandoffDepth > 0 {
				ao.MaxHandoffDepth = c.Limits.MaxHandoffDepth
			}
			if c.Limits.MaxParallelTools > 0 {
				ao.MaxParallelTools = c.Limits.MaxParallelTools
			}
		})
	}
}
