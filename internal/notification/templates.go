package notification

import (
	"bytes"
	"text/template"

	"ictaccess/internal/model"
)

const (
	TemplatePending              = "pending"
	TemplateApproved             = "approved"
	TemplateRejected             = "rejected"
	TemplateApproverNotification = "approver_notification"
	TemplateAccessGranted        = "access_granted"
	TemplateCancelled            = "cancelled"
	TemplateTaskAssigned         = "task_assigned"
	TemplateImplemented          = "implemented"
)

// TemplateData holds the placeholders a message may use.
type TemplateData struct {
	Name       string
	Type       string
	Reference  string
	Reason     string
	Requester  string
	Department string
	// NextStage names the stage the request now waits on, if known.
	NextStage string
}

var catalog = map[string]*template.Template{
	TemplatePending: parse(TemplatePending,
		"Dear {{.Name}}, your {{.Type}} request ({{.Reference}}) has been received and is pending approval{{if .NextStage}} by the {{.NextStage}}{{end}}."),
	TemplateApproved: parse(TemplateApproved,
		"Dear {{.Name}}, your {{.Type}} request ({{.Reference}}) has been approved."),
	TemplateRejected: parse(TemplateRejected,
		"Dear {{.Name}}, your {{.Type}} request ({{.Reference}}) has been rejected. Reason: {{.Reason}}"),
	TemplateApproverNotification: parse(TemplateApproverNotification,
		"New {{.Type}} request from {{.Requester}} ({{.Department}}) awaits your approval. Ref: {{.Reference}}"),
	TemplateAccessGranted: parse(TemplateAccessGranted,
		"{{.Requester}} has been granted {{.Type}}. Ref: {{.Reference}}"),
	TemplateCancelled: parse(TemplateCancelled,
		"Dear {{.Name}}, your {{.Type}} request ({{.Reference}}) has been cancelled.{{if .Reason}} Reason: {{.Reason}}{{end}}"),
	TemplateTaskAssigned: parse(TemplateTaskAssigned,
		"Dear {{.Name}}, {{.Type}} request {{.Reference}} from {{.Requester}} has been assigned to you for implementation."),
	TemplateImplemented: parse(TemplateImplemented,
		"Dear {{.Name}}, your {{.Type}} request ({{.Reference}}) has been implemented. You can now use the requested services."),
}

// statusTemplates maps an overall request status to the requester update sent for it.
var statusTemplates = map[string]string{
	model.RequestStatusPending:   TemplatePending,
	model.RequestStatusApproved:  TemplateApproved,
	model.RequestStatusRejected:  TemplateRejected,
	model.RequestStatusCancelled: TemplateCancelled,
	model.RequestStatusCompleted: TemplateImplemented,
}

var typeLabels = map[string]string{
	model.RequestTypeModuleAccess:   "Module Access",
	model.RequestTypeCombinedAccess: "Jeeva, Wellsoft and Internet Access",
	model.RequestTypeDeviceBooking:  "Device Booking",
}

var stageLabels = map[string]string{
	model.StageHOD:                "Head of Department",
	model.StageDivisionalDirector: "Divisional Director",
	model.StageDICT:               "Director of ICT",
	model.StageHeadOfIT:           "Head of IT",
	model.StageICTOfficer:         "ICT Officer",
}

func parse(name, text string) *template.Template {
	return template.Must(template.New(name).Option("missingkey=zero").Parse(text))
}

// TemplateForStatus returns the requester template for status. Unknown
// statuses, in_review included, use the pending template.
func TemplateForStatus(status string) string {
	if key, ok := statusTemplates[status]; ok {
		return key
	}
	return TemplatePending
}

// Render fills template key with data. An unknown key renders the pending
// template; the key actually used is returned alongside the message.
func Render(key string, data TemplateData) (string, string, error) {
	tmpl, ok := catalog[key]
	if !ok {
		key = TemplatePending
		tmpl = catalog[key]
	}
	if label, ok := typeLabels[data.Type]; ok {
		data.Type = label
	}
	if label, ok := stageLabels[data.NextStage]; ok {
		data.NextStage = label
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return key, "", err
	}
	return key, buf.String(), nil
}
