package remote

import (
	"context"
	"io"

	"github.com/italolelis/transferd/internal/telemetry"
	"github.com/italolelis/transferd/internal/transfer"
)

// InstrumentedClient wraps Client with telemetry.
type InstrumentedClient struct {
	client     Client
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedClient creates a new instrumented remote client.
func NewInstrumentedClient(client Client, tel *telemetry.Telemetry, clientType string) *InstrumentedClient {
	return &InstrumentedClient{
		client:     client,
		telemetry:  tel,
		clientType: clientType,
	}
}

// FetchFile fetches a remote file with telemetry. The span covers the header
// exchange only; the body is streamed by the caller after this returns.
func (c *InstrumentedClient) FetchFile(ctx context.Context, remotePath string) (io.ReadCloser, *transfer.FetchInfo, error) {
	var body io.ReadCloser

	var info *transfer.FetchInfo

	var err error

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "fetch_file", func(ctx context.Context) error {
		body, info, err = c.client.FetchFile(ctx, remotePath)

		return err
	})

	if instrumentedErr != nil {
		return nil, nil, instrumentedErr
	}

	return body, info, nil
}
