package agentcli

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

func TestParseOutputStrictJSON(t *testing.T) {
	out, kind := ParseOutput(`{"result": "ok", "cost_usd": 0.5}`)
	assert.Equal(t, models.OutputJSON, kind)
	assert.Equal(t, "ok", out["result"])
	assert.Equal(t, 0.5, out["cost_usd"])
}

func TestParseOutputExtractsEmbeddedJSON(t *testing.T) {
	raw := "Some preamble the CLI printed.\n{\"assessment\": \"approve\"}\nTrailing noise."
	out, kind := ParseOutput(raw)
	assert.Equal(t, models.OutputExtracted, kind)
	assert.Equal(t, "approve", out["assessment"])
}

func TestParseOutputFallsBackToText(t *testing.T) {
	out, kind := ParseOutput("no json here at all")
	assert.Equal(t, models.OutputText, kind)
	assert.Equal(t, "no json here at all", out["text"])
}

func TestParseOutputEmpty(t *testing.T) {
	out, kind := ParseOutput("   ")
	assert.Equal(t, models.OutputEmpty, kind)
	assert.Nil(t, out)
}

func TestHashPromptIsStableAndDistinct(t *testing.T) {
	a := hashPrompt("prompt one")
	b := hashPrompt("prompt one")
	c := hashPrompt("prompt two")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64) // hex-encoded sha256
}

func TestBuildArgsIncludesResumeAndAllowedTools(t *testing.T) {
	reg := Registration{AllowedTools: []string{"Read", "Edit"}}
	req := Request{ExtraArgs: []string{"--verbose"}}
	args := buildArgs(reg, req, []string{"--resume", "abc"})
	assert.Equal(t, []string{"--output-format", "json", "--allowed-tools", "Read,Edit", "--resume", "abc", "--verbose"}, args)
}

func TestBuildArgsOmitsAllowedToolsWhenEmpty(t *testing.T) {
	args := buildArgs(Registration{}, Request{}, nil)
	assert.Equal(t, []string{"--output-format", "json"}, args)
}

func TestDefaultRegistryNamesFourAgents(t *testing.T) {
	reg := DefaultRegistry()
	for _, name := range []string{"planner", "reviewer-a", "reviewer-b", "bugfixer"} {
		entry, ok := reg[name]
		assert.True(t, ok, "expected %s to be registered", name)
		assert.NotEmpty(t, entry.Binary)
	}
}
