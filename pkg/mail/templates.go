package mail

import (
	"bytes"
	_ "embed"
	"html/template"
)

// ChaseMailParams feeds the chase reminder template. OwnerName and
// PendingFiles may be zero-valued when a single message addresses a whole
// chunk of recipients; the template falls back to generic wording.
type ChaseMailParams struct {
	OwnerName      string
	PendingFiles   int
	ChaseNumber    int
	LastNotifiedAt string
	BrandingName   string
}

var (
	chaseTemplate = template.New("chase")

	//go:embed templates/chase.html
	chaseTemplateRaw string
)

func init() {
	if _, err := chaseTemplate.Parse(chaseTemplateRaw); err != nil {
		panic(err)
	}
}

func render(t *template.Template, p any) (string, error) {
	b := bytes.Buffer{}
	err := t.Execute(&b, p)
	return b.String(), err
}

// RenderChase renders the HTML body of a chase reminder.
func RenderChase(p ChaseMailParams) (string, error) {
	if p.BrandingName == "" {
		p.BrandingName = "DI Dashboard"
	}
	return render(chaseTemplate, p)
}
