package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterpolate(t *testing.T) {
	ctx := map[string]string{
		KeyDeviceID:   "cam1",
		KeyEventType:  "MotionAlarm",
		KeyEventState: "true",
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"subtopic", "{onvifDeviceId}/alarm", "cam1/alarm"},
		{"payload", "{eventType}={eventState}", "MotionAlarm=true"},
		{"repeated token", "{eventState}-{eventState}", "true-true"},
		{"no tokens", "static", "static"},
		{"empty", "", ""},
		{"unresolved left literal", "{onvifDeviceId}/{missing}", "cam1/{missing}"},
		{"json braces untouched", `{"state": "{eventState}"}`, `{"state": "true"}`},
		{"unterminated", "{eventType", "{eventType"},
		{"case sensitive", "{EventType}", "{EventType}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Interpolate(tt.template, ctx))
		})
	}
}

func TestInterpolateIsDeterministic(t *testing.T) {
	ctx := map[string]string{KeyDeviceID: "cam1"}
	tmpl := "{onvifDeviceId}/{unknown}/{onvifDeviceId}"

	first := Interpolate(tmpl, ctx)
	second := Interpolate(tmpl, ctx)

	assert.Equal(t, first, second)
	assert.Equal(t, "cam1/{unknown}/cam1", first)
}

func TestInterpolateDoesNotRecurse(t *testing.T) {
	ctx := map[string]string{
		KeyEventState: "{onvifDeviceId}",
		KeyDeviceID:   "cam1",
	}

	assert.Equal(t, "state={onvifDeviceId}", Interpolate("state={eventState}", ctx))
}

func TestInterpolateNilContext(t *testing.T) {
	assert.Equal(t, "{eventType}", Interpolate("{eventType}", nil))
}

func TestRuleRender(t *testing.T) {
	rule := Rule{Subtopic: "{onvifDeviceId}/alarm", Template: "{eventType}={eventState}", Retain: true}

	topic, payload := rule.Render(map[string]string{
		KeyDeviceID:   "cam1",
		KeyEventType:  "MotionAlarm",
		KeyEventState: "true",
	})

	assert.Equal(t, "cam1/alarm", topic)
	assert.Equal(t, "MotionAlarm=true", payload)
}
