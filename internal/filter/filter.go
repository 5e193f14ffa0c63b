// Package filter evaluates per-peer relay rules from a separate rule
// document (filter.yaml) and the optional remote spam check.
package filter

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/tribridge/tribridge/internal/message"
)

// Rule blocks a message when its event/group filter matches and every
// specified property regex matches. The zero event means "send".
type Rule struct {
	// "send" matches the rule's group regex against the origin group,
	// "receive" against the target group.
	Event string `yaml:"event"`
	Group string `yaml:"group"`

	// Property regexes. A rule with none set matches on group alone.
	Text    string `yaml:"text"`
	Nick    string `yaml:"nick"`
	FwdFrom string `yaml:"fwd_from"`

	// Also test the property regexes against the replied-to record.
	// Defaults to true.
	FilterReply *bool `yaml:"filter_reply"`
}

type compiledRule struct {
	event       string
	group       *regexp.Regexp
	props       []compiledProp
	filterReply bool
}

type compiledProp struct {
	re    *regexp.Regexp
	value func(m *message.Message) string
	reply func(r *message.Record) string
}

// Engine holds the compiled rule set. A nil engine blocks nothing.
type Engine struct {
	rules []compiledRule
}

type ruleDocument struct {
	Filters []Rule `yaml:"filters"`
}

// Load reads and compiles the rule document at path. A missing file yields
// an empty engine: nothing is filtered.
func Load(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewEngine(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("read filter rules %s: %w", path, err)
	}
	var doc ruleDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse filter rules %s: %w", path, err)
	}
	return NewEngine(doc.Filters)
}

// NewEngine compiles a rule list. Invalid regexes are reported up front
// rather than failing at match time.
func NewEngine(rules []Rule) (*Engine, error) {
	e := &Engine{}
	for i, r := range rules {
		cr := compiledRule{event: r.Event, filterReply: true}
		if cr.event == "" {
			cr.event = "send"
		}
		if r.FilterReply != nil {
			cr.filterReply = *r.FilterReply
		}
		var err error
		if cr.group, err = regexp.Compile(r.Group); err != nil {
			return nil, fmt.Errorf("filter rule %d: bad group regex: %w", i, err)
		}
		type propSpec struct {
			pattern string
			value   func(m *message.Message) string
			reply   func(rec *message.Record) string
		}
		for _, p := range []propSpec{
			{r.Text, func(m *message.Message) string { return m.Text }, func(rec *message.Record) string { return rec.Text }},
			{r.Nick, func(m *message.Message) string { return m.FromNick }, func(rec *message.Record) string { return rec.FromNick }},
			{r.FwdFrom, func(m *message.Message) string { return m.FwdFrom }, func(rec *message.Record) string { return rec.FwdFrom }},
		} {
			if p.pattern == "" {
				continue
			}
			re, err := regexp.Compile(p.pattern)
			if err != nil {
				return nil, fmt.Errorf("filter rule %d: bad property regex: %w", i, err)
			}
			cr.props = append(cr.props, compiledProp{re: re, value: p.value, reply: p.reply})
		}
		e.rules = append(e.rules, cr)
	}
	return e, nil
}

// Test reports whether the message should be blocked from relaying to
// toGroup. It is consulted once per peer, not once per message.
func (e *Engine) Test(m *message.Message, toGroup string) bool {
	if e == nil {
		return false
	}
	for _, rule := range e.rules {
		switch rule.event {
		case "send":
			if !rule.group.MatchString(m.FromGroup) {
				continue
			}
		case "receive":
			if !rule.group.MatchString(toGroup) {
				continue
			}
		default:
			continue
		}

		if matchAll(rule.props, func(p compiledProp) string { return p.value(m) }) {
			return true
		}

		if !rule.filterReply || m.ReplyTo == nil {
			continue
		}
		if matchAll(rule.props, func(p compiledProp) string { return p.reply(m.ReplyTo) }) {
			return true
		}
	}
	return false
}

func matchAll(props []compiledProp, get func(compiledProp) string) bool {
	for _, p := range props {
		if !p.re.MatchString(get(p)) {
			return false
		}
	}
	return true
}
