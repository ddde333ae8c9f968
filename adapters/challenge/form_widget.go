package challenge

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/layer-3/formguard/core"
)

// FormFieldWidget is used when the browser executes the challenge and posts
// the token along with the form. Execute reads the token from the attempt in
// the context; a missing or empty field yields an empty token.
type FormFieldWidget struct {
	field   string
	renders atomic.Int64
}

// NewFormFieldWidget creates a widget reading tokens from field
func NewFormFieldWidget(field string) *FormFieldWidget {
	if field == "" {
		field = core.DefaultTokenField
	}
	return &FormFieldWidget{field: field}
}

// Field returns the form field carrying the token
func (w *FormFieldWidget) Field() string {
	return w.field
}

// Load is a no-op; the script runs in the browser
func (w *FormFieldWidget) Load(ctx context.Context) error {
	return nil
}

func (w *FormFieldWidget) Render(ctx context.Context, siteKey string) (string, error) {
	n := w.renders.Add(1)
	return fmt.Sprintf("form:%s:%d", w.field, n), nil
}

func (w *FormFieldWidget) Execute(ctx context.Context, widgetID, action string) (string, error) {
	attempt, ok := core.AttemptFromContext(ctx)
	if !ok {
		return "", nil
	}
	return attempt.Value(w.field), nil
}
