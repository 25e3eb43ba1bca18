package upstream

// Signer produces the per-request transaction id the web client sends.
// An empty id means the header is omitted.
type Signer interface {
	TransactionID(method, path string) (string, error)
}

// NopSigner omits the transaction id.
type NopSigner struct{}

func (NopSigner) TransactionID(string, string) (string, error) { return "", nil }

// SignerFunc adapts a function to Signer.
type SignerFunc func(method, path string) (string, error)

func (f SignerFunc) TransactionID(method, path string) (string, error) { return f(method, path) }
