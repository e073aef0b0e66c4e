package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresImage = "postgres:16-alpine"
	mailpitImage  = "ghcr.io/axllent/mailpit:latest"
	startTimeout  = 60 * time.Second
)

// PostgresContainer is a throwaway notifycore database.
type PostgresContainer struct {
	*postgres.PostgresContainer
	ConnectionString string
}

// NewPostgresContainer starts an empty database. Migrations are applied by
// the application on start.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	container, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase("notifycore"),
		postgres.WithUsername("notifycore"),
		postgres.WithPassword("notifycore"),
		testcontainers.WithWaitStrategy(
			// Postgres restarts once after initdb.
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(startTimeout),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("get connection string: %w", err)
	}

	return &PostgresContainer{PostgresContainer: container, ConnectionString: connStr}, nil
}

// MailpitContainer is an SMTP sink with an HTTP API for reading what the
// email transport delivered.
type MailpitContainer struct {
	testcontainers.Container
	SMTPHost string
	SMTPPort int
	apiURL   string
}

// APIURL returns the base URL of the Mailpit REST API.
func (c *MailpitContainer) APIURL() string { return c.apiURL }

// NewMailpitContainer starts Mailpit accepting any SMTP credentials over
// plain connections, which is what the transport does without TLS.
func NewMailpitContainer(ctx context.Context) (*MailpitContainer, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        mailpitImage,
			ExposedPorts: []string{"1025/tcp", "8025/tcp"},
			Env: map[string]string{
				"MP_SMTP_AUTH_ACCEPT_ANY":     "1",
				"MP_SMTP_AUTH_ALLOW_INSECURE": "1",
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("1025/tcp"),
				wait.ForHTTP("/api/v1/info").WithPort("8025/tcp"),
			).WithDeadline(startTimeout),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start mailpit container: %w", err)
	}

	mc := &MailpitContainer{Container: container}
	if err := mc.resolve(ctx); err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	return mc, nil
}

func (c *MailpitContainer) resolve(ctx context.Context) error {
	host, err := c.Host(ctx)
	if err != nil {
		return fmt.Errorf("get mailpit host: %w", err)
	}

	smtpPort, err := c.MappedPort(ctx, "1025/tcp")
	if err != nil {
		return fmt.Errorf("get smtp port: %w", err)
	}

	apiPort, err := c.MappedPort(ctx, "8025/tcp")
	if err != nil {
		return fmt.Errorf("get mailpit api port: %w", err)
	}

	c.SMTPHost = host
	c.SMTPPort = smtpPort.Int()
	c.apiURL = fmt.Sprintf("http://%s:%d", host, apiPort.Int())
	return nil
}
