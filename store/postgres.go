package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/flashbots/abnet/crypto"
	"github.com/flashbots/abnet/engine"
	"github.com/flashbots/abnet/ledger"
)

// PostgresStore implements ledger.Store with PostgreSQL persistence.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore connects to PostgreSQL and runs migrations.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS experiments (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		start_time TIMESTAMP WITH TIME ZONE NOT NULL,
		end_time TIMESTAMP WITH TIME ZONE NOT NULL,
		active BOOLEAN NOT NULL,
		creator VARCHAR(128) NOT NULL,
		participants INTEGER NOT NULL DEFAULT 0,
		accumulator VARCHAR(128) NOT NULL,
		pending_request_id VARCHAR(128) NOT NULL DEFAULT '',
		decrypted_sum BIGINT,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS participants (
		experiment_id INTEGER NOT NULL,
		principal VARCHAR(128) NOT NULL,
		anonymous_id VARCHAR(64) NOT NULL,
		group_handle VARCHAR(128) NOT NULL,
		metric_handle VARCHAR(128) NOT NULL,
		submitted BOOLEAN NOT NULL,
		joined_at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (experiment_id, principal)
	);

	CREATE TABLE IF NOT EXISTS anonymity_reservations (
		experiment_id INTEGER NOT NULL,
		anonymous_id VARCHAR(64) NOT NULL,
		reserved_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		PRIMARY KEY (experiment_id, anonymous_id)
	);

	CREATE TABLE IF NOT EXISTS decryption_tickets (
		request_id VARCHAR(128) PRIMARY KEY,
		experiment_id INTEGER NOT NULL,
		handles TEXT[] NOT NULL DEFAULT '{}',
		issued_at TIMESTAMP WITH TIME ZONE NOT NULL,
		resolved BOOLEAN NOT NULL DEFAULT FALSE,
		plaintext_sum BIGINT
	);

	CREATE INDEX IF NOT EXISTS idx_experiments_creator ON experiments(creator);
	CREATE INDEX IF NOT EXISTS idx_tickets_experiment ON decryption_tickets(experiment_id);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SaveExperiment upserts an experiment record.
func (s *PostgresStore) SaveExperiment(ctx context.Context, exp *ledger.Experiment) error {
	query := `
	INSERT INTO experiments
		(id, name, description, start_time, end_time, active, creator, participants, accumulator, pending_request_id, decrypted_sum, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
	ON CONFLICT (id) DO UPDATE SET
		end_time = EXCLUDED.end_time,
		active = EXCLUDED.active,
		participants = EXCLUDED.participants,
		accumulator = EXCLUDED.accumulator,
		pending_request_id = EXCLUDED.pending_request_id,
		decrypted_sum = EXCLUDED.decrypted_sum,
		updated_at = NOW()
	`

	var decryptedSum sql.NullInt64
	if exp.DecryptedSum != nil {
		decryptedSum = sql.NullInt64{Int64: int64(*exp.DecryptedSum), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		exp.ID,
		exp.Name,
		exp.Description,
		exp.StartTime,
		exp.EndTime,
		exp.Active,
		exp.Creator.String(),
		exp.Participants,
		string(exp.Accumulator),
		exp.PendingRequestID,
		decryptedSum,
	)
	return err
}

// SaveParticipant upserts a participant record.
func (s *PostgresStore) SaveParticipant(ctx context.Context, p *ledger.Participant) error {
	query := `
	INSERT INTO participants
		(experiment_id, principal, anonymous_id, group_handle, metric_handle, submitted, joined_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (experiment_id, principal) DO UPDATE SET
		metric_handle = EXCLUDED.metric_handle,
		submitted = EXCLUDED.submitted
	`

	_, err := s.db.ExecContext(ctx, query,
		p.ExperimentID,
		p.Principal.String(),
		p.AnonymousID.String(),
		string(p.Group),
		string(p.Metric),
		p.Submitted,
		p.JoinedAt,
	)
	return err
}

// SaveReservation records a consumed anonymous identifier. Conflicts are
// ignored: a reservation is write-once and re-persisting it is a no-op.
func (s *PostgresStore) SaveReservation(ctx context.Context, experimentID uint32, anonymousID ledger.AnonymousID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anonymity_reservations (experiment_id, anonymous_id)
		VALUES ($1, $2)
		ON CONFLICT (experiment_id, anonymous_id) DO NOTHING
	`, experimentID, anonymousID.String())
	return err
}

// SaveTicket records a pending decryption ticket.
func (s *PostgresStore) SaveTicket(ctx context.Context, ticket *ledger.DecryptionTicket) error {
	handles := make([]string, len(ticket.Handles))
	for i, h := range ticket.Handles {
		handles[i] = string(h)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decryption_tickets (request_id, experiment_id, handles, issued_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id) DO NOTHING
	`, ticket.RequestID, ticket.ExperimentID, pq.Array(handles), ticket.IssuedAt)
	return err
}

// ResolveTicket marks a ticket consumed with its plaintext result.
func (s *PostgresStore) ResolveTicket(ctx context.Context, requestID string, plaintextSum uint64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE decryption_tickets
		SET resolved = TRUE, plaintext_sum = $2
		WHERE request_id = $1
	`, requestID, int64(plaintextSum))
	return err
}

// LoadExperiments retrieves all persisted experiment records, keyed by ID.
func (s *PostgresStore) LoadExperiments(ctx context.Context) (map[uint32]*ledger.Experiment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, start_time, end_time, active, creator, participants, accumulator, pending_request_id, decrypted_sum
		FROM experiments
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[uint32]*ledger.Experiment)
	for rows.Next() {
		var (
			exp          ledger.Experiment
			creator      string
			accumulator  string
			decryptedSum sql.NullInt64
		)
		if err := rows.Scan(&exp.ID, &exp.Name, &exp.Description, &exp.StartTime, &exp.EndTime,
			&exp.Active, &creator, &exp.Participants, &accumulator, &exp.PendingRequestID, &decryptedSum); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		creatorKey, err := crypto.NewPublicKeyFromString(creator)
		if err != nil {
			return nil, fmt.Errorf("decoding creator: %w", err)
		}
		exp.Creator = creatorKey
		exp.Accumulator = engine.Handle(accumulator)
		if decryptedSum.Valid {
			sum := uint64(decryptedSum.Int64)
			exp.DecryptedSum = &sum
		}

		result[exp.ID] = &exp
	}

	return result, rows.Err()
}

// LoadParticipants retrieves all persisted participant records.
func (s *PostgresStore) LoadParticipants(ctx context.Context) ([]*ledger.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT experiment_id, principal, anonymous_id, group_handle, metric_handle, submitted, joined_at
		FROM participants
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ledger.Participant
	for rows.Next() {
		var (
			p            ledger.Participant
			principal    string
			anonymousID  string
			groupHandle  string
			metricHandle string
		)
		if err := rows.Scan(&p.ExperimentID, &principal, &anonymousID, &groupHandle, &metricHandle, &p.Submitted, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		principalKey, err := crypto.NewPublicKeyFromString(principal)
		if err != nil {
			return nil, fmt.Errorf("decoding principal: %w", err)
		}
		p.Principal = principalKey
		if p.AnonymousID, err = ledger.ParseAnonymousID(anonymousID); err != nil {
			return nil, fmt.Errorf("decoding anonymous id: %w", err)
		}
		p.Group = engine.Handle(groupHandle)
		p.Metric = engine.Handle(metricHandle)

		result = append(result, &p)
	}

	return result, rows.Err()
}

// LoadReservations retrieves all consumed anonymous identifiers, keyed by
// experiment ID.
func (s *PostgresStore) LoadReservations(ctx context.Context) (map[uint32][]ledger.AnonymousID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT experiment_id, anonymous_id
		FROM anonymity_reservations
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[uint32][]ledger.AnonymousID)
	for rows.Next() {
		var (
			experimentID uint32
			anonymousID  string
		)
		if err := rows.Scan(&experimentID, &anonymousID); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		id, err := ledger.ParseAnonymousID(anonymousID)
		if err != nil {
			return nil, fmt.Errorf("decoding anonymous id: %w", err)
		}
		result[experimentID] = append(result[experimentID], id)
	}

	return result, rows.Err()
}

// LoadPendingTickets retrieves decryption tickets that have not been
// resolved yet.
func (s *PostgresStore) LoadPendingTickets(ctx context.Context) ([]*ledger.DecryptionTicket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, experiment_id, handles, issued_at
		FROM decryption_tickets
		WHERE resolved = FALSE
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ledger.DecryptionTicket
	for rows.Next() {
		var (
			ticket  ledger.DecryptionTicket
			handles []string
		)
		if err := rows.Scan(&ticket.RequestID, &ticket.ExperimentID, pq.Array(&handles), &ticket.IssuedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		ticket.Handles = make([]engine.Handle, len(handles))
		for i, h := range handles {
			ticket.Handles[i] = engine.Handle(h)
		}
		result = append(result, &ticket)
	}

	return result, rows.Err()
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
