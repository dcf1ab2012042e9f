package filter

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/crosslink-mc/crosslink/internal/chat"
	"github.com/crosslink-mc/crosslink/internal/config"
)

// lengthCheck cancels messages over the byte budget.
type lengthCheck struct {
	max int
}

func newLengthCheck(fc config.FilterConfig) (Check, error) {
	if fc.MaxLength <= 0 {
		return nil, fmt.Errorf("filter: length check needs max_length")
	}
	return &lengthCheck{max: fc.MaxLength}, nil
}

func (c *lengthCheck) Name() string { return "length" }

func (c *lengthCheck) Evaluate(_ time.Time, msg *chat.Message, _ *SenderState) Outcome {
	trimmed := strings.TrimSpace(msg.CanonicalText)
	if trimmed == "" {
		return cancel("empty message")
	}
	if utf8.RuneCountInString(trimmed) > c.max {
		return cancel(fmt.Sprintf("message exceeds %d characters", c.max))
	}
	return allow
}

// cooldownCheck enforces a minimum gap between accepted messages.
type cooldownCheck struct {
	gap time.Duration
}

func newCooldownCheck(fc config.FilterConfig) (Check, error) {
	if fc.Cooldown.Std() <= 0 {
		return nil, fmt.Errorf("filter: cooldown check needs cooldown")
	}
	return &cooldownCheck{gap: fc.Cooldown.Std()}, nil
}

func (c *cooldownCheck) Name() string { return "cooldown" }

func (c *cooldownCheck) Evaluate(now time.Time, msg *chat.Message, st *SenderState) Outcome {
	if msg.Author.Priority {
		return allow
	}
	if since, ok := st.sinceLast(now); ok && since < c.gap {
		return cancel("sending too fast")
	}
	return allow
}

// repeatCheck cancels the same text sent more than limit times per window.
type repeatCheck struct {
	limit  int
	window time.Duration
}

func newRepeatCheck(fc config.FilterConfig) (Check, error) {
	if fc.RepeatLimit <= 0 || fc.RepeatWindow.Std() <= 0 {
		return nil, fmt.Errorf("filter: repeat check needs repeat_limit and repeat_window")
	}
	return &repeatCheck{limit: fc.RepeatLimit, window: fc.RepeatWindow.Std()}, nil
}

func (c *repeatCheck) Name() string { return "repeat" }

func (c *repeatCheck) Evaluate(now time.Time, msg *chat.Message, st *SenderState) Outcome {
	if st.repeats(now, msg.CanonicalText, c.window) >= c.limit {
		return cancel("repeated message")
	}
	return allow
}

// floodCheck cancels when the sender exceeds the burst budget.
type floodCheck struct {
	max int
}

func newFloodCheck(fc config.FilterConfig) (Check, error) {
	if fc.FloodMax <= 0 {
		return nil, fmt.Errorf("filter: flood check needs flood_max")
	}
	return &floodCheck{max: fc.FloodMax}, nil
}

func (c *floodCheck) Name() string { return "flood" }

func (c *floodCheck) Evaluate(now time.Time, msg *chat.Message, st *SenderState) Outcome {
	if msg.Author.Priority {
		return allow
	}
	if st.burstCount(now) >= c.max {
		return cancel("flooding")
	}
	return allow
}

// patternCheck applies the pattern table. Hard-block rows cancel; the rest
// rewrite their matches with the configured replacement.
type patternCheck struct {
	rules []compiledRule
}

type compiledRule struct {
	re          *regexp.Regexp
	replacement string
	hardBlock   bool
}

func newPatternCheck(fc config.FilterConfig) (Check, error) {
	rules := make([]compiledRule, 0, len(fc.Patterns))
	for _, p := range fc.Patterns {
		re, err := regexp.Compile("(?i)" + p.Match)
		if err != nil {
			return nil, fmt.Errorf("filter: pattern %q: %w", p.Match, err)
		}
		repl := p.Replacement
		if repl == "" && !p.HardBlock {
			repl = "***"
		}
		rules = append(rules, compiledRule{re: re, replacement: repl, hardBlock: p.HardBlock})
	}
	return &patternCheck{rules: rules}, nil
}

func (c *patternCheck) Name() string { return "pattern" }

func (c *patternCheck) Evaluate(_ time.Time, msg *chat.Message, _ *SenderState) Outcome {
	text := msg.CanonicalText
	rewritten := false
	for _, r := range c.rules {
		if !r.re.MatchString(text) {
			continue
		}
		if r.hardBlock {
			return cancel("blocked content")
		}
		text = r.re.ReplaceAllString(text, r.replacement)
		rewritten = true
	}
	if rewritten {
		return modify("filtered content", text)
	}
	return allow
}

// capsCheck lowercases shouting. Short messages are left alone so "OK" and
// "GG" survive.
type capsCheck struct {
	ratio  float64
	minLen int
}

func newCapsCheck(fc config.FilterConfig) (Check, error) {
	if fc.CapsRatio <= 0 || fc.CapsRatio > 1 {
		return nil, fmt.Errorf("filter: caps check needs caps_ratio in (0,1]")
	}
	return &capsCheck{ratio: fc.CapsRatio, minLen: fc.CapsMinLen}, nil
}

func (c *capsCheck) Name() string { return "caps" }

func (c *capsCheck) Evaluate(_ time.Time, msg *chat.Message, _ *SenderState) Outcome {
	text := msg.CanonicalText
	letters, uppers := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				uppers++
			}
		}
	}
	if letters < c.minLen {
		return allow
	}
	if float64(uppers)/float64(letters) > c.ratio {
		return modify("excessive caps", strings.ToLower(text))
	}
	return allow
}

// commandEscapeCheck neutralizes leading command characters so bridged
// text cannot execute on a platform where "/" or "!" dispatches a command.
// A zero-width space keeps the visible text intact.
type commandEscapeCheck struct{}

func newCommandEscapeCheck(config.FilterConfig) (Check, error) {
	return &commandEscapeCheck{}, nil
}

func (c *commandEscapeCheck) Name() string { return "command_escape" }

func (c *commandEscapeCheck) Evaluate(_ time.Time, msg *chat.Message, _ *SenderState) Outcome {
	text := msg.CanonicalText
	if strings.HasPrefix(text, "/") || strings.HasPrefix(text, "!") {
		return modify("command escape neutralized", "​"+text)
	}
	return allow
}
