// Package polish hands accepted answers to the external text-transform
// service. Polishing is best-effort and fully asynchronous: the session
// advances on the raw answer, and a polish result only fills the display
// field on the version it was requested for.
package polish

import "context"

// Transformer is the opaque external text-transform. It receives the question
// for context and the raw answer, and returns a cleaned-up rendering.
type Transformer interface {
	Transform(ctx context.Context, questionPrompt, content string) (string, error)
}
