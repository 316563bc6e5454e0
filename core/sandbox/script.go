package sandbox

import (
	"bytes"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Step actions understood by the steps template
const (
	ActionGoto            = "goto"
	ActionWait            = "wait"
	ActionFill            = "fill"
	ActionClick           = "click"
	ActionAssertVisible   = "assert_visible"
	ActionAssertText      = "assert_text"
	ActionAssertTitle     = "assert_title"
	ActionCheckLinks      = "check_links"
	ActionScreenshotDelay = "screenshot_delay"
)

// Script is the parsed form of a scenario's code
type Script struct {
	Template string            `yaml:"template"`
	Params   map[string]string `yaml:"params,omitempty"`
	Steps    []Step            `yaml:"steps,omitempty"`
}

// Step is one declarative action of the steps template
type Step struct {
	Action   string        `yaml:"action"`
	Selector string        `yaml:"selector,omitempty"`
	URL      string        `yaml:"url,omitempty"`
	Value    string        `yaml:"value,omitempty"`
	Text     string        `yaml:"text,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"` // e.g. "5s"
}

// ParseScript parses scenario code. The code is either a bare template name
// ("basic") or a YAML document with template, params and steps.
func ParseScript(code string) (*Script, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return &Script{Template: TemplateBasic}, nil
	}

	var script Script
	if isBareName(code) {
		script.Template = code
	} else {
		dec := yaml.NewDecoder(bytes.NewReader([]byte(code)))
		dec.KnownFields(true)
		if err := dec.Decode(&script); err != nil {
			return nil, errors.Wrap(err, "failed to parse script")
		}
	}

	script.Template = strings.ToLower(strings.TrimSpace(script.Template))
	if script.Template == "" {
		if len(script.Steps) > 0 {
			script.Template = TemplateSteps
		} else {
			script.Template = TemplateBasic
		}
	}
	if err := script.Validate(); err != nil {
		return nil, err
	}
	return &script, nil
}

// Validate checks the template name and, for step scripts, every step
func (s *Script) Validate() error {
	if _, ok := templates[s.Template]; !ok {
		return errors.Wrapf(ErrUnknownTemplate, "%q", s.Template)
	}
	if s.Template != TemplateSteps {
		return nil
	}
	if len(s.Steps) == 0 {
		return errors.New("steps template requires at least one step")
	}
	for i, step := range s.Steps {
		if err := step.validate(); err != nil {
			return errors.Wrapf(err, "step %d", i+1)
		}
	}
	return nil
}

func (st Step) validate() error {
	switch st.Action {
	case ActionGoto:
		// empty url means the target url
		return nil
	case ActionWait, ActionClick, ActionAssertVisible:
		if st.Selector == "" {
			return errors.Newf("%s requires a selector", st.Action)
		}
	case ActionFill:
		if st.Selector == "" {
			return errors.New("fill requires a selector")
		}
	case ActionAssertText:
		if st.Selector == "" || st.Text == "" {
			return errors.New("assert_text requires a selector and text")
		}
	case ActionAssertTitle:
		if st.Text == "" {
			return errors.New("assert_title requires text")
		}
	case ActionCheckLinks:
		return nil
	case ActionScreenshotDelay:
		if st.Timeout <= 0 {
			return errors.New("screenshot_delay requires a positive timeout")
		}
	case "":
		return errors.New("action is required")
	default:
		return errors.Newf("unknown action %q", st.Action)
	}
	return nil
}

func isBareName(code string) bool {
	return !strings.ContainsAny(code, ":\n{[")
}
