// Package graphqlbackend adapts a remote GraphQL endpoint to the
// core.QueryBackend interface.
package graphqlbackend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	graphql "github.com/hasura/go-graphql-client"
	"github.com/target/graph-relay/internal/core"
	"github.com/target/graph-relay/internal/domain/model"
)

// probeQuery is the minimal document used to establish that the schema
// endpoint answers at all.
const probeQuery = `query { __typename }`

const defaultTimeout = 30 * time.Second

// Client executes query documents against one schema endpoint.
type Client struct {
	endpoint string
	gql      *graphql.Client
	logger   *slog.Logger
}

// Options configures a backend client.
type Options struct {
	Endpoint   string       // Required: schema URL
	HTTPClient *http.Client // Optional: defaults to a client with a 30s timeout
	Logger     *slog.Logger // Optional: structured logger
}

// NewClient builds a backend bound to one schema endpoint.
func NewClient(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("schema endpoint is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		endpoint: opts.Endpoint,
		gql:      graphql.NewClient(opts.Endpoint, httpClient),
		logger:   logger.With("component", "graphql_backend", "endpoint", opts.Endpoint),
	}, nil
}

// Factory returns a core.QueryBackendFactory closing over shared options.
// Backends that fail construction fall back to a permanently failing stub so
// the executor surfaces the configuration error through its normal path.
func Factory(httpClient *http.Client, logger *slog.Logger) core.QueryBackendFactory {
	return func(schemaURL string) core.QueryBackend {
		client, err := NewClient(Options{Endpoint: schemaURL, HTTPClient: httpClient, Logger: logger})
		if err != nil {
			return &failedBackend{err: err}
		}
		return client
	}
}

// Exec runs one query document with the given variables. Result-level errors
// reported by the source are returned as messages with a nil error; the error
// return carries only transport and protocol failures.
func (c *Client) Exec(
	ctx context.Context,
	query string,
	variables map[string]any,
) (model.ResultRecord, []string, error) {
	data, err := c.gql.ExecRaw(ctx, query, variables)
	if err != nil {
		var gqlErrs graphql.Errors
		if errors.As(err, &gqlErrs) {
			msgs := make([]string, 0, len(gqlErrs))
			for _, e := range gqlErrs {
				msgs = append(msgs, e.Message)
			}
			return model.ResultRecord(data), msgs, nil
		}
		return nil, nil, fmt.Errorf("execute query against %s: %w", c.endpoint, err)
	}
	return model.ResultRecord(data), nil, nil
}

// Probe issues the readiness query against the endpoint.
func (c *Client) Probe(ctx context.Context) error {
	c.logger.Debug("probing schema endpoint")
	if _, err := c.gql.ExecRaw(ctx, probeQuery, nil); err != nil {
		// A result-level error still proves the endpoint speaks GraphQL.
		var gqlErrs graphql.Errors
		if errors.As(err, &gqlErrs) {
			return nil
		}
		return fmt.Errorf("probe %s: %w", c.endpoint, err)
	}
	c.logger.Debug("schema endpoint ready")
	return nil
}

var _ core.QueryBackend = (*Client)(nil)

// failedBackend reports its construction error on every call.
type failedBackend struct {
	err error
}

func (f *failedBackend) Exec(context.Context, string, map[string]any) (model.ResultRecord, []string, error) {
	return nil, nil, f.err
}

func (f *failedBackend) Probe(context.Context) error {
	return f.err
}
