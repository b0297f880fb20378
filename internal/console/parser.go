package console

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"mcpanel/internal/protocol"
)

// Players is the set of online player names.
type Players map[string]struct{}

func NewPlayers(names ...string) Players {
	p := make(Players, len(names))
	for _, n := range names {
		p[n] = struct{}{}
	}
	return p
}

func (p Players) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// Sorted returns the names in lexical order, never nil.
func (p Players) Sorted() []string {
	out := make([]string, 0, len(p))
	for n := range p {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Delta is the mutation a parsed line implies for the status snapshot.
type Delta struct {
	Add    string
	Remove string
	// Listed is set when the line carried a full player listing; Replace
	// then holds the new set, possibly empty.
	Listed  bool
	Replace []string
	Metric  *float64
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return d.Add == "" && d.Remove == "" && !d.Listed && d.Metric == nil
}

// Apply mutates p in rule order: join, leave, then listing.
func (d Delta) Apply(p Players) {
	if d.Add != "" {
		p[d.Add] = struct{}{}
	}
	if d.Remove != "" {
		delete(p, d.Remove)
	}
	if d.Listed {
		clear(p)
		for _, n := range d.Replace {
			p[n] = struct{}{}
		}
	}
}

// Outcome is what one line produced. Events are in rule order.
type Outcome struct {
	Events []protocol.Event
	Delta  Delta
}

// Rule recognises one category of structured line. Patterns are tried in
// order and the first match wins within the rule.
type Rule struct {
	Name     string
	Patterns []*regexp.Regexp
	apply    func(m []string, line string, players Players, out *Outcome)
}

// Match runs the rule against a line and reports whether any pattern hit.
func (r Rule) Match(line string, players Players, out *Outcome) bool {
	for _, re := range r.Patterns {
		if m := re.FindStringSubmatch(line); m != nil {
			r.apply(m, line, players, out)
			return true
		}
	}
	return false
}

// Join and leave lines differ between vanilla English logs and localized
// server builds. The table is a heuristic, not a grammar of every variant.
var rules = []Rule{
	{
		Name: "join",
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(\w+) joined the game`),
			regexp.MustCompile(`(\w+)\s*加入了?游戏`),
		},
		apply: func(m []string, _ string, players Players, out *Outcome) {
			name := m[1]
			if players.Has(name) {
				return
			}
			out.Delta.Add = name
			out.Events = append(out.Events, protocol.PlayerJoined{Name: name})
		},
	},
	{
		Name: "leave",
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(\w+) left the game`),
			regexp.MustCompile(`(\w+)\s*(?:退出|离开)了?游戏`),
		},
		apply: func(m []string, _ string, _ Players, out *Outcome) {
			out.Delta.Remove = m[1]
			out.Events = append(out.Events, protocol.PlayerLeft{Name: m[1]})
		},
	},
	{
		Name: "list",
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`players online[:：]`),
			regexp.MustCompile(`在线玩家.*[:：]`),
		},
		apply: func(_ []string, line string, _ Players, out *Outcome) {
			names := listedNames(line)
			out.Delta.Listed = true
			out.Delta.Replace = names
			out.Events = append(out.Events, protocol.PlayerList{Names: names})
		},
	},
	{
		Name: "metric",
		Patterns: []*regexp.Regexp{
			// Paper: "TPS from last 1m, 5m, 15m: *20.0, 19.9, 19.9"
			regexp.MustCompile(`(?i)tps from last [^:]*:\s*(?:§.)?\*?(\d+(?:\.\d+)?)`),
			regexp.MustCompile(`(?i)tps:\s*(\d+(?:\.\d+)?)`),
		},
		apply: func(m []string, _ string, _ Players, out *Outcome) {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
				return
			}
			out.Delta.Metric = &v
			out.Events = append(out.Events, protocol.MetricUpdated{Value: v})
		},
	},
}

// Rules returns the pattern table in evaluation order.
func Rules() []Rule {
	return append([]Rule(nil), rules...)
}

var playerName = regexp.MustCompile(`^\w+$`)

// listedNames takes the comma separated names after the last colon.
func listedNames(line string) []string {
	i := strings.LastIndexAny(line, ":：")
	if i < 0 {
		return []string{}
	}
	_, size := utf8.DecodeRuneInString(line[i:])
	rest := line[i+size:]

	seen := make(map[string]bool)
	names := []string{}
	for _, part := range strings.FieldsFunc(rest, func(r rune) bool { return r == ',' || r == '，' }) {
		n := strings.TrimSpace(part)
		if !playerName.MatchString(n) || seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	return names
}

// Parse runs every rule against one trimmed, non-empty line. It does not
// touch players; the caller applies Outcome.Delta.
func Parse(line string, players Players) Outcome {
	var out Outcome
	for _, r := range rules {
		r.Match(line, players, &out)
	}
	return out
}
