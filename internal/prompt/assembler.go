// Package prompt implements C5, the PromptAssembler: the three-layer
// request payload contract of §4.5.
package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/s-age/takt/internal/modelclient"
	"github.com/s-age/takt/internal/session"
)

// FileReader resolves and reads reference/artifact file content. The
// assembler never reads outside the paths recorded on the session.
type FileReader interface {
	ReadFile(path string) (string, error)
}

// Payload is the full three-layer result of one Assemble call.
type Payload struct {
	// StaticContent is layer 1, rendered text: the cacheable
	// identity+history prefix.
	StaticContent string
	// Contents is the final ordered content list: layer 1 rendered as a
	// single user content record (when not omitted by a cache hit),
	// layer 2's dynamic context, then layer 3's buffered history plus
	// the new instruction.
	Contents []modelclient.Content
}

// Assembler produces Payloads from a Session.
type Assembler struct {
	files FileReader
	tz    *time.Location
	tmpl  *template.Template
}

// New builds an Assembler. files may be nil if the session has no
// references/artifacts to resolve.
func New(files FileReader, tz *time.Location) *Assembler {
	if tz == nil {
		tz = time.UTC
	}
	return &Assembler{files: files, tz: tz, tmpl: staticTemplate()}
}

const staticTemplateText = `Session: {{.SessionID}}
Created: {{.CreatedAt}}
Purpose: {{.Purpose}}
Background: {{.Background}}
{{- if .Roles}}
Roles:
{{- range .Roles}}
  - {{.}}
{{- end}}
{{- end}}
{{- if .Procedure}}
Procedure: {{.Procedure}}
{{- end}}
{{- if .History}}

History:
{{- range .History}}
[{{.Kind}}] {{.Text}}
{{- end}}
{{- end}}
`

func staticTemplate() *template.Template {
	return template.Must(template.New("static").Parse(staticTemplateText))
}

type staticHistoryLine struct {
	Kind string
	Text string
}

type staticView struct {
	SessionID  string
	CreatedAt  string
	Purpose    string
	Background string
	Roles      []string
	Procedure  string
	History    []staticHistoryLine
}

// StaticContent renders layer 1 for hashing/cache-decision purposes,
// independent of whether the caller ultimately sends it inline.
func (a *Assembler) StaticContent(s *session.Session) (string, error) {
	return a.renderStatic(s)
}

// renderStatic renders layer 1: identity plus the leading
// cached_turn_count turns of history.
func (a *Assembler) renderStatic(s *session.Session) (string, error) {
	cached := s.CachedTurnCount
	if cached > len(s.Turns) {
		cached = len(s.Turns)
	}
	view := staticView{
		SessionID:  s.SessionID,
		CreatedAt:  s.CreatedAt.In(a.tz).Format(time.RFC3339),
		Purpose:    s.Purpose,
		Background: s.Background,
		Roles:      s.Roles,
		Procedure:  s.Procedure,
	}
	for _, t := range s.Turns[:cached] {
		view.History = append(view.History, staticHistoryLine{Kind: string(t.Kind), Text: turnDisplayText(t)})
	}
	var buf bytes.Buffer
	if err := a.tmpl.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("prompt: render static layer: %w", err)
	}
	return buf.String(), nil
}

func turnDisplayText(t session.Turn) string {
	switch t.Kind {
	case session.TurnUserTask:
		return t.Instruction
	case session.TurnModelResponse:
		return t.Content
	case session.TurnFunctionCalling:
		return t.Response
	case session.TurnToolResponse:
		if t.ToolResponse != nil {
			return fmt.Sprintf("%s: %s", t.ToolResponse.Status, t.ToolResponse.Message)
		}
		return ""
	case session.TurnCompressedHistory:
		return t.Content
	default:
		return ""
	}
}

// renderDynamic builds layer 2: current datetime, active (non-disabled,
// non-expired) references resolved and read, todos, and artifact
// contents. Never cached.
func (a *Assembler) renderDynamic(s *session.Session, now time.Time) (string, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Current time: %s\n", now.In(a.tz).Format(time.RFC3339))

	if len(s.Todos) > 0 {
		buf.WriteString("Todos:\n")
		for _, td := range s.Todos {
			mark := " "
			if td.Checked {
				mark = "x"
			}
			fmt.Fprintf(&buf, "  [%s] %s: %s\n", mark, td.Title, td.Description)
		}
	}

	for _, ref := range s.References {
		if ref.Disabled || ref.Expired(now) {
			continue
		}
		content, err := a.readFile(ref.Path)
		if err != nil {
			fmt.Fprintf(&buf, "\nReference %s: <unreadable: %v>\n", ref.Path, err)
			continue
		}
		fmt.Fprintf(&buf, "\nReference %s:\n%s\n", ref.Path, content)
	}

	for _, path := range s.Artifacts {
		content, err := a.readFile(path)
		if err != nil {
			fmt.Fprintf(&buf, "\nArtifact %s: <unreadable: %v>\n", path, err)
			continue
		}
		fmt.Fprintf(&buf, "\nArtifact %s:\n%s\n", path, content)
	}

	return buf.String(), nil
}

func (a *Assembler) readFile(path string) (string, error) {
	if a.files == nil {
		return "", fmt.Errorf("prompt: no file reader configured")
	}
	return a.files.ReadFile(path)
}

// Assemble produces the full three-layer payload for sess and the
// optional new instruction. staticOmitted suppresses layer 1 from
// Contents (the cache now carries it) while StaticContent is still
// returned for hashing purposes.
func (a *Assembler) Assemble(s *session.Session, instruction string, now time.Time, staticOmitted bool) (Payload, error) {
	static, err := a.renderStatic(s)
	if err != nil {
		return Payload{}, err
	}
	dynamic, err := a.renderDynamic(s, now)
	if err != nil {
		return Payload{}, err
	}

	var contents []modelclient.Content
	if !staticOmitted && static != "" {
		contents = append(contents, modelclient.Content{Role: "user", Parts: []modelclient.Part{{Text: static}}})
	}
	contents = append(contents, modelclient.Content{Role: "user", Parts: []modelclient.Part{{Text: dynamic}}})

	buffered, err := a.bufferedContents(s)
	if err != nil {
		return Payload{}, err
	}
	contents = append(contents, buffered...)

	if instruction != "" {
		contents = append(contents, modelclient.Content{Role: "user", Parts: []modelclient.Part{{Text: instruction}}})
	}

	return Payload{StaticContent: static, Contents: contents}, nil
}

// bufferedContents converts layer 3: all turns after index
// cached_turn_count, each converted to a model content record, with
// raw_response reconstruction when present.
func (a *Assembler) bufferedContents(s *session.Session) ([]modelclient.Content, error) {
	start := s.CachedTurnCount
	if start > len(s.Turns) {
		start = len(s.Turns)
	}
	var out []modelclient.Content
	for _, t := range s.Turns[start:] {
		c, err := turnToContent(t)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func turnToContent(t session.Turn) (modelclient.Content, error) {
	switch t.Kind {
	case session.TurnUserTask:
		return modelclient.Content{Role: "user", Parts: []modelclient.Part{{Text: t.Instruction}}}, nil
	case session.TurnModelResponse, session.TurnFunctionCalling:
		if len(t.RawResponse) > 0 {
			parts, err := reconstructParts(t.RawResponse)
			if err == nil {
				return modelclient.Content{Role: "model", Parts: parts}, nil
			}
			// fall through to plain text on reconstruction failure
		}
		text := t.Content
		if t.Kind == session.TurnFunctionCalling {
			text = t.Response
		}
		return modelclient.Content{Role: "model", Parts: []modelclient.Part{{Text: text}}}, nil
	case session.TurnToolResponse:
		resp := map[string]interface{}{"status": "", "message": ""}
		if t.ToolResponse != nil {
			resp["status"] = t.ToolResponse.Status
			resp["message"] = t.ToolResponse.Message
			for k, v := range t.ToolResponse.Extra {
				resp[k] = v
			}
		}
		return modelclient.Content{Role: "user", Parts: []modelclient.Part{{
			FunctionResult: &modelclient.FunctionResult{Name: t.Name, Response: resp},
		}}}, nil
	case session.TurnCompressedHistory:
		return modelclient.Content{Role: "user", Parts: []modelclient.Part{{Text: t.Content}}}, nil
	default:
		return modelclient.Content{}, fmt.Errorf("prompt: unknown turn kind %q", t.Kind)
	}
}

// rawPart mirrors the shape a model_response/function_calling raw_response
// blob is expected to carry: an ordered list of parts, each either plain
// text, a thought-flagged text fragment, or a function call.
type rawPart struct {
	Text         string                 `json:"text,omitempty"`
	Thought      bool                   `json:"thought,omitempty"`
	FunctionCall map[string]interface{} `json:"function_call,omitempty"`
}

type rawResponse struct {
	Parts []rawPart `json:"parts"`
}

// reconstructParts parses a turn's raw_response and rebuilds each part
// preserving the thought-signature discriminator (§4.5).
func reconstructParts(raw json.RawMessage) ([]modelclient.Part, error) {
	var rr rawResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("prompt: parse raw_response: %w", err)
	}
	parts := make([]modelclient.Part, 0, len(rr.Parts))
	for _, p := range rr.Parts {
		switch {
		case p.FunctionCall != nil:
			name, _ := p.FunctionCall["name"].(string)
			args, _ := p.FunctionCall["args"].(map[string]interface{})
			parts = append(parts, modelclient.Part{FunctionCall: &modelclient.FunctionCall{Name: name, Args: args}})
		default:
			parts = append(parts, modelclient.Part{Text: p.Text, IsThought: p.Thought})
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("prompt: raw_response had no parts")
	}
	return parts, nil
}
