package services

import "context"

// IntegrityProvider returns the opaque platform attestation sent as the
// x-ag-integrity-token header. The real provider lives in the native layer;
// this package only consumes the string.
type IntegrityProvider interface {
	IntegrityToken(ctx context.Context) (string, error)
}

// StaticIntegrityProvider serves a fixed attestation value. Used on
// platforms without an attestation API and in tests.
type StaticIntegrityProvider struct {
	Token string
}

func (p StaticIntegrityProvider) IntegrityToken(ctx context.Context) (string, error) {
	return p.Token, nil
}

// CredentialProvider supplies the user's identity proof for the session
// handshake, and can silently re-derive a fresh one when the server rejects
// the current proof.
type CredentialProvider interface {
	// Credential returns the current identity proof, or "" when no identity
	// is bound.
	Credential(ctx context.Context) (string, error)
	// RefreshCredential re-derives a fresh identity proof.
	RefreshCredential(ctx context.Context) (string, error)
}

// StaticCredentialProvider serves a fixed credential, e.g. from config.
type StaticCredentialProvider struct {
	Value string
}

func (p StaticCredentialProvider) Credential(ctx context.Context) (string, error) {
	return p.Value, nil
}

func (p StaticCredentialProvider) RefreshCredential(ctx context.Context) (string, error) {
	return p.Value, nil
}
