package domain

// prefixLength is how many token characters identify a credential in logs.
const prefixLength = 6

// Credential is a token/secret pair for one rate-limited API session.
type Credential struct {
	Token  string
	Secret string
}

// Prefix returns the short token prefix used in logs, file names and progress.
func (c Credential) Prefix() string {
	if len(c.Token) <= prefixLength {
		return c.Token
	}
	return c.Token[:prefixLength]
}

// String never exposes the secret.
func (c Credential) String() string {
	return c.Prefix() + "..."
}
