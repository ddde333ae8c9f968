package ports

import (
	"context"

	"github.com/layer-3/formguard/core"
)

// ScriptLoader loads the external challenge script
type ScriptLoader interface {
	Load(ctx context.Context) error
}

// ChallengeWidget renders an invisible widget and executes it for an action
type ChallengeWidget interface {
	// Render binds a widget to the site key and returns its handle
	Render(ctx context.Context, siteKey string) (string, error)

	// Execute requests a token for action. It may block until the
	// provider delivers one; an empty string means no usable token.
	Execute(ctx context.Context, widgetID, action string) (string, error)
}

// SiteVerifier calls the external verification service with a server-held secret
type SiteVerifier interface {
	SiteVerify(ctx context.Context, token, remoteIP string) (core.SiteVerifyResponse, error)
}
