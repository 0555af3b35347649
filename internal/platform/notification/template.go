package notification

import (
	"fmt"
	"strings"
	"sync"
)

const (
	TemplateGuardianEmergency  = "guardian-emergency"
	TemplateGuardianNotice     = "guardian-notice"
	TemplateGuardianEscalated  = "guardian-escalated"
	TemplateGuardianDowngraded = "guardian-downgraded"
	TemplateStaffEmergency     = "staff-emergency"
	TemplateStaffTaken         = "staff-taken"
	TemplateStaffAssignedToYou = "staff-assigned-to-you"
	TemplateStaffCompleted     = "staff-completed"
	TemplateStaffCancelled     = "staff-cancelled"
	TemplateSupervisorStale    = "supervisor-stale-pending"
)

type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine renders {{key}} placeholders. Unknown keys are left as-is.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range builtIn {
		e.RegisterTemplate(t)
	}
	return e
}

var builtIn = []Template{
	{
		ID:      TemplateGuardianEmergency,
		Subject: "Urgent: {{student_name}} needs medical attention",
		Body:    "Dear {{recipient_name}}, {{student_name}} has a {{kind}} emergency at school (incident {{code}}). {{actor_name}} from the health office is with them now. Please confirm you received this message.",
	},
	{
		ID:      TemplateGuardianNotice,
		Subject: "{{student_name}} visited the health office",
		Body:    "Dear {{recipient_name}}, {{student_name}} was seen by the health office for {{kind}} (incident {{code}}). We will contact you again if anything changes.",
	},
	{
		ID:      TemplateGuardianEscalated,
		Subject: "Urgent update: {{student_name}}",
		Body:    "Dear {{recipient_name}}, incident {{code}} for {{student_name}} is now being treated as an emergency. {{actor_name}} is attending. Please confirm you received this message.",
	},
	{
		ID:      TemplateGuardianDowngraded,
		Subject: "Update: {{student_name}} is stable",
		Body:    "Dear {{recipient_name}}, incident {{code}} for {{student_name}} is no longer considered an emergency. The health office continues to look after them.",
	},
	{
		ID:      TemplateStaffEmergency,
		Subject: "Emergency {{code}}",
		Body:    "{{kind}} emergency for {{student_name}}. {{actor_name}} is responding, please stand by.",
	},
	{
		ID:      TemplateStaffTaken,
		Subject: "{{code}} taken",
		Body:    "{{owner_name}} has taken incident {{code}} ({{kind}}, {{student_name}}).",
	},
	{
		ID:      TemplateStaffAssignedToYou,
		Subject: "{{code}} assigned to you",
		Body:    "{{actor_name}} assigned incident {{code}} ({{kind}}, {{student_name}}) to you.",
	},
	{
		ID:      TemplateStaffCompleted,
		Subject: "{{code}} completed",
		Body:    "{{actor_name}} completed incident {{code}}. Outcome: {{outcome}}",
	},
	{
		ID:      TemplateStaffCancelled,
		Subject: "{{code}} cancelled",
		Body:    "{{actor_name}} cancelled incident {{code}}: {{reason}}",
	},
	{
		ID:      TemplateSupervisorStale,
		Subject: "{{code}} is waiting for an owner",
		Body:    "Incident {{code}} ({{kind}}, {{student_name}}) has been pending for {{waiting}} with nobody assigned.",
	},
}

// RegisterTemplate adds t or replaces the template with the same ID.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)
	return r.Replace(t.Subject), r.Replace(t.Body), nil
}
