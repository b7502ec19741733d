// Package agent provides the instrumentation script injected into rewritten
// pages. The script reports console output, errors and network calls to the
// embedding window via postMessage and answers inspect commands.
package agent

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"rewrite-proxy/internal/config"
)

// Marker is the attribute identifying the injected script element.
const Marker = "data-proxy-agent"

const evalPlaceholder = "__ALLOW_EVAL__"

//go:embed agent.js
var embedded string

// Script is the agent source ready for injection. An empty Source disables
// injection.
type Script struct {
	Source string
}

// Load returns the configured agent script: the embedded one unless
// agent.script_path points elsewhere.
func Load(cfg *config.Config) (*Script, error) {
	if cfg.Agent.Disabled {
		return &Script{}, nil
	}

	src := embedded
	if cfg.Agent.ScriptPath != "" {
		data, err := os.ReadFile(cfg.Agent.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("agent: read %s: %w", cfg.Agent.ScriptPath, err)
		}
		src = string(data)
	}

	src = strings.ReplaceAll(src, evalPlaceholder, strconv.FormatBool(cfg.Agent.AllowEval))
	// A literal closing tag would end the inline <script> early.
	src = strings.ReplaceAll(src, "</script", `<\/script`)
	return &Script{Source: src}, nil
}

// Enabled reports whether there is anything to inject.
func (s *Script) Enabled() bool {
	return s != nil && s.Source != ""
}
