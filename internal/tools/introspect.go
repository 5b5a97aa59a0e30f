package tools

import (
	"context"
	"fmt"
	"strings"
)

// ListToolsDescriptor returns the list_tools tool. It reads r at call time,
// so it describes every tool registered, itself included.
func ListToolsDescriptor(r *Registry) Descriptor {
	return Descriptor{
		Name:        "list_tools",
		Description: "List all available tools with their descriptions and parameters. Use this to discover what capabilities are available.",
		Handler: func(context.Context, map[string]any) (Result, error) {
			return TextResult(IntrospectionText(r.All())), nil
		},
	}
}

// IntrospectionText renders descriptors as a markdown reference.
func IntrospectionText(descs []Descriptor) string {
	lines := []string{"# Available Tools\n"}
	for _, d := range descs {
		lines = append(lines, "## "+d.Name, d.Description+"\n")
		if len(d.Params) > 0 {
			lines = append(lines, "**Parameters:**")
			for _, p := range d.Params {
				lines = append(lines, fmt.Sprintf("- `%s`: %s", p.Name, p.Description))
			}
		}
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

// PromptSection renders the tools block appended to the agent's system prompt.
func PromptSection(descs []Descriptor) string {
	if len(descs) == 0 {
		return ""
	}
	lines := []string{"## Available Tools", "", "You have access to the following tools:", ""}
	for _, d := range descs {
		lines = append(lines, fmt.Sprintf("**%s**: %s", d.Name, d.Description))
		if len(d.Params) > 0 {
			lines = append(lines, "Parameters:")
			for _, p := range d.Params {
				lines = append(lines, fmt.Sprintf("- %s: %s", p.Name, p.Description))
			}
		}
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}
