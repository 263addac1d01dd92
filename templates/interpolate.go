package templates

import "regexp"

// Context keys available to template rules.
const (
	KeyDeviceID   = "onvifDeviceId"
	KeyEventType  = "eventType"
	KeyEventState = "eventState"
	KeyNamespace  = "namespace"
	KeyField      = "field"
	KeyTimestamp  = "timestamp"
)

var tokenPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Interpolate replaces every {name} token in tmpl with ctx[name].
//
// Tokens without a value in ctx are left in place, braces included.
// Substituted values are never scanned again, so a value containing
// "{name}" is emitted verbatim.
func Interpolate(tmpl string, ctx map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(tmpl, func(token string) string {
		if v, ok := ctx[token[1:len(token)-1]]; ok {
			return v
		}
		return token
	})
}

// Rule maps an event to a custom outbound message
type Rule struct {
	Subtopic string `mapstructure:"subtopic" yaml:"subtopic"`
	Template string `mapstructure:"template" yaml:"template"`
	Retain   bool   `mapstructure:"retain" yaml:"retain"`
}

// Render interpolates the rule's subtopic and template against ctx.
func (r Rule) Render(ctx map[string]string) (topic, payload string) {
	return Interpolate(r.Subtopic, ctx), Interpolate(r.Template, ctx)
}
