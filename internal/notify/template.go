package notify

import (
	_ "embed"
	"html/template"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

//go:embed templates/notification.html.tmpl
var defaultTemplate string

// TemplateData is the variable set available to the e-mail template.
type TemplateData struct {
	PortfolioID      string
	OwnerName        string
	OrganizationName string
	IsOrganization   bool
	DocumentName     string
	DocumentID       string
	DocumentDate     time.Time
	NotifiedAt       time.Time
}

// LoadTemplate parses the notification template: the file at path when given,
// otherwise the built-in default.
func LoadTemplate(path string) (*template.Template, error) {
	if path == "" {
		t, err := template.New("notification").Parse(defaultTemplate)
		if err != nil {
			return nil, eris.Wrap(err, "notify: parse default template")
		}
		return t, nil
	}

	t, err := template.ParseFiles(path)
	if err != nil {
		return nil, eris.Wrapf(err, "notify: parse template %s", path)
	}
	return t, nil
}

func renderBody(t *template.Template, data TemplateData) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", eris.Wrap(err, "notify: render template")
	}
	return sb.String(), nil
}
