package network

import "context"

// NoopClient discards uploads and never has anything to check. It backs
// network_init when no connection string is configured and is the default
// collaborator in unit tests that only exercise the local engine.
type NoopClient struct{}

func (NoopClient) Init(ctx context.Context, connectionString string) error { return nil }
func (NoopClient) Cleanup(ctx context.Context) error                       { return nil }
func (NoopClient) SetToken(string)                                         {}
func (NoopClient) SetAPIKey(string)                                        {}
func (NoopClient) Upload(ctx context.Context, payload []byte) error        { return nil }
func (NoopClient) Check(ctx context.Context, siteID [16]byte, cursor Cursor) ([]byte, bool, error) {
	return nil, false, nil
}
func (NoopClient) Logout(ctx context.Context) error { return nil }
