package model

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"storywarden/internal/mask"
)

var narrationTemplates = template.Must(template.New("narration").Parse(`
{{define "travel"}}{{.Actor}} sets out{{if .Edge}} along {{.Edge}}{{end}} toward {{.Destination}}.{{end}}
{{define "attack"}}{{.Actor}} attacks {{.Target}}.{{if .Damage}} The blow lands for {{.Damage}} damage.{{end}}{{end}}
{{define "interact"}}{{.Actor}} turns to {{.Target}}.{{if .Voice}} {{.Target}} answers, {{.Voice}}.{{end}}{{end}}
{{define "cast"}}{{.Actor}} casts {{.Target}}.{{end}}
{{define "use"}}{{.Actor}} uses the {{.Target}}.{{end}}
{{define "pause"}}The DM describes a pause. {{.Actor}} waits and takes in the scene.{{end}}
`))

type narrationData struct {
	Actor       string
	Target      string
	Edge        string
	Destination string
	Voice       string
	Damage      string
}

// TemplateNarrator narrates from fixed templates. The orchestrator also uses it
// as the fallback when the executor fails or times out.
type TemplateNarrator struct{}

var _ Executor = TemplateNarrator{}

func (TemplateNarrator) Narrate(ctx context.Context, in NarrationContext) (Narration, error) {
	text, err := Render(in)
	if err != nil {
		return Narration{}, err
	}
	return Narration{Text: text}, nil
}

// Render produces template narration for in.
func Render(in NarrationContext) (string, error) {
	category, target := mask.SplitAction(in.Proposal.Action)
	if in.Degraded || category == "" {
		category = mask.Pause
	}

	data := narrationData{Actor: "The party", Target: target}
	if in.Actor != nil && in.Actor.Name != "" {
		data.Actor = in.Actor.Name
	}
	if in.Target != nil && in.Target.Name != "" {
		data.Target = in.Target.Name
	}
	if in.Persona != nil {
		data.Voice = in.Persona.Voice
	}
	if g := in.Grounding; g != nil {
		data.Edge = g.Entry.Justification.Edge
		data.Destination = g.Entry.Justification.Destination
		for _, n := range g.Numbers {
			if n.Kind == "damage" {
				data.Damage = fmt.Sprint(n.Expected)
			}
		}
	}
	if data.Destination == "" {
		data.Destination = target
	}

	if narrationTemplates.Lookup(string(category)) == nil {
		category = mask.Pause
	}
	var buf bytes.Buffer
	if err := narrationTemplates.ExecuteTemplate(&buf, string(category), data); err != nil {
		return "", fmt.Errorf("rendering %s narration: %w", category, err)
	}
	text := buf.String()
	if g := in.Grounding; g != nil && g.Beat != nil && !in.Degraded {
		text += " " + strings.TrimSpace(g.Beat.Text)
	}
	return strings.TrimSpace(text), nil
}
