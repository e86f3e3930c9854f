package dispatch

import (
	"context"
	"fmt"
)

// StaticTemplates serves the built-in template set keyed by category. A
// future provider can source these from an external template service; the
// dispatcher only depends on the interface.
type StaticTemplates struct {
	Overrides map[string]Template
}

func (s StaticTemplates) Template(ctx context.Context, category, participantType string) (Template, error) {
	if t, ok := s.Overrides[category]; ok {
		return t, nil
	}
	if t, ok := builtinTemplates[category]; ok {
		return t, nil
	}
	return Template{}, fmt.Errorf("no template for category %s", category)
}

var builtinTemplates = map[string]Template{
	"juror_onboarding": {
		Subject: "Welcome to {{program}}",
		Body:    "Hi {{name}},\n\nYou are confirmed as a juror for {{program}}. We will notify you when your evaluation assignments are ready.\n",
	},
	"assignment_notification": {
		Subject: "Your {{program}} assignments are ready",
		Body:    "Hi {{name}},\n\nYour screening assignments for {{program}} are now available. Please log in to begin your evaluations.\n",
	},
	"evaluation_reminder": {
		Subject: "Reminder: pending evaluations for {{program}}",
		Body:    "Hi {{name}},\n\nYou still have pending evaluations for {{program}}. Please complete them at your earliest convenience.\n",
	},
	"screening_results_juror": {
		Subject: "{{program}} screening results",
		Body:    "Hi {{name}},\n\nThe screening round of {{program}} is complete. Thank you for your evaluations.\n",
	},
	"screening_results_startup": {
		Subject: "Your {{program}} screening result",
		Body:    "Hi {{name}},\n\nThe screening round of {{program}} has concluded. Your result is now available in your dashboard.\n",
	},
	"pitching_assignment": {
		Subject: "Your {{program}} pitch session assignments",
		Body:    "Hi {{name}},\n\nYour pitch session assignments for {{program}} are ready. Please review the schedule.\n",
	},
	"pitching_invitation": {
		Subject: "You are invited to pitch at {{program}}",
		Body:    "Hi {{name}},\n\nCongratulations! You advanced to the pitching round of {{program}}. Session details are in your dashboard.\n",
	},
	"pitch_reminder": {
		Subject: "Upcoming pitch session for {{program}}",
		Body:    "Hi {{name}},\n\nThis is a reminder about your upcoming pitch session for {{program}}.\n",
	},
	"final_results": {
		Subject: "{{program}} final results",
		Body:    "Hi {{name}},\n\nThe final results of {{program}} have been published. Thank you for taking part.\n",
	},
}
