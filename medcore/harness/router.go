package harness

import (
	"fmt"
	"strings"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
)

// Route is the router's decision for one query.
type Route struct {
	Class    ports.QueryClass
	Strategy ports.Strategy
	Payloads map[ports.AgentName]ports.Payload
}

// Agents lists the routed agents.
func (r Route) Agents() []ports.AgentName {
	out := make([]ports.AgentName, 0, len(r.Payloads))
	for n := range r.Payloads {
		out = append(out, n)
	}
	return out
}

// RouterOptions tunes payload construction.
type RouterOptions struct {
	Strategy           ports.Strategy // configured default; auto picks per class
	MaxResearchSources int
	RequiredDocFields  []string
}

// QueryRouter classifies queries and decides which agents to ask.
type QueryRouter struct {
	opts      RouterOptions
	available func(ports.AgentName) bool
}

// NewQueryRouter creates a router limited to agents for which available
// returns true. A nil available accepts every agent.
func NewQueryRouter(opts RouterOptions, available func(ports.AgentName) bool) *QueryRouter {
	if opts.Strategy == "" {
		opts.Strategy = ports.StrategyAuto
	}
	if available == nil {
		available = func(ports.AgentName) bool { return true }
	}
	return &QueryRouter{opts: opts, available: available}
}

// Route classifies q, picks the reasoning strategy and builds one typed
// payload per selected agent.
func (qr *QueryRouter) Route(q ports.Query) (Route, error) {
	if strings.TrimSpace(q.Text) == "" && q.Document == "" && q.Transcript == "" && len(q.ProcedureCodes) == 0 {
		return Route{}, fmt.Errorf("query carries no text, document, transcript or codes")
	}

	class := qr.Classify(q)
	route := Route{
		Class:    class,
		Strategy: qr.strategyFor(q, class),
		Payloads: make(map[ports.AgentName]ports.Payload),
	}

	wanted := q.Agents
	if len(wanted) == 0 {
		wanted = qr.selectAgents(q)
	}
	for _, name := range wanted {
		if !qr.available(name) {
			continue
		}
		if p := qr.payload(name, q); p != nil {
			route.Payloads[name] = p
		}
	}
	if len(route.Payloads) == 0 {
		return Route{}, fmt.Errorf("no registered agent can serve this query")
	}
	return route, nil
}

// Classify applies keyword rules. Ambiguity wins over multiple options.
func (qr *QueryRouter) Classify(q ports.Query) ports.QueryClass {
	text := strings.ToLower(q.Text)
	switch {
	case qr.isAmbiguous(text, q):
		return ports.ClassAmbiguous
	case qr.isMultiOption(text, q):
		return ports.ClassMultiOption
	}
	return ports.ClassSimple
}

func (qr *QueryRouter) isAmbiguous(text string, q ports.Query) bool {
	for _, kw := range []string{"not sure", "unclear", "maybe", "possibly", "ambiguous", "conflicting", "either"} {
		if strings.Contains(text, kw) {
			return true
		}
	}
	structured := q.Document != "" || q.Transcript != "" || len(q.ProcedureCodes) > 0
	return !structured && len(strings.Fields(text)) <= 2
}

func (qr *QueryRouter) isMultiOption(text string, q ports.Query) bool {
	if len(q.ProcedureCodes) > 1 {
		return true
	}
	for _, kw := range []string{"which", "compare", "options", "alternative", " vs ", " versus ", " or "} {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func (qr *QueryRouter) strategyFor(q ports.Query, class ports.QueryClass) ports.Strategy {
	s := q.Strategy
	if s == "" || s == ports.StrategyAuto {
		s = qr.opts.Strategy
	}
	if s != ports.StrategyAuto {
		return s
	}
	if class == ports.ClassSimple {
		return ports.StrategyChain
	}
	return ports.StrategyTree
}

func (qr *QueryRouter) selectAgents(q ports.Query) []ports.AgentName {
	var out []ports.AgentName
	if strings.TrimSpace(q.Text) != "" {
		out = append(out, ports.ResearchAgentName)
	}
	if q.Document != "" {
		out = append(out, ports.DocumentAgentName)
	}
	if q.Transcript != "" {
		out = append(out, ports.TranscriptionAgentName)
	}
	if len(q.ProcedureCodes) > 0 {
		out = append(out, ports.BillingAgentName)
	}
	return out
}

func (qr *QueryRouter) payload(name ports.AgentName, q ports.Query) ports.Payload {
	switch name {
	case ports.ResearchAgentName:
		text := q.Text
		if text == "" {
			text = strings.Join(q.ProcedureCodes, " ")
		}
		return ports.ResearchInput{Query: text, Topics: q.DiagnosisCodes, MaxSources: qr.opts.MaxResearchSources}
	case ports.DocumentAgentName:
		id := q.DocumentID
		if id == "" {
			id = "inline"
		}
		return ports.DocumentInput{DocumentID: id, Text: q.Document, RequiredFields: qr.opts.RequiredDocFields}
	case ports.TranscriptionAgentName:
		return ports.TranscriptionInput{Transcript: q.Transcript}
	case ports.BillingAgentName:
		return ports.BillingInput{
			Question:       q.Text,
			ProcedureCodes: q.ProcedureCodes,
			DiagnosisCodes: q.DiagnosisCodes,
			PayerID:        q.PayerID,
		}
	}
	return nil
}
