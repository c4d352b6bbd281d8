// Package database persists subjects, procedures, channels, segments and
// features for the MER capture pipeline.
//
// This package includes:
//   - Database connection management using GORM and PostgreSQL
//   - The Store contract shared by the Postgres store and database/memstore
//   - Session, which scopes Store calls to one selected procedure
//   - LISTEN/NOTIFY wakeups when a segment is inserted
//
// Data Models:
//
//	All data models (Subject, Procedure, Channel, Segment, Feature) are defined
//	in the models_pkg package to avoid circular import dependencies.
package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	models "open-mer/database/models_pkg"
)

// Database holds the GORM database connection and provides access to the underlying DB instance.
type Database struct {
	db  *gorm.DB
	dsn string
}

// DB returns the underlying GORM database instance for direct access when needed.
func (d *Database) DB() *gorm.DB {
	return d.db
}

// DSN returns the connection string, used to open a listener on the same database
func (d *Database) DSN() string {
	return d.dsn
}

// Connect establishes database connection using GORM
func Connect(host string, port int, dbname, user, password string) (*Database, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		host, port, dbname, user, password)
	return ConnectDSN(dsn)
}

// ConnectDSN opens a database from a full connection string
func ConnectDSN(dsn string) (*Database, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	return &Database{db: db, dsn: dsn}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Type aliases so callers can use database.Segment etc. directly
type Subject = models.Subject
type Procedure = models.Procedure
type Channel = models.Channel
type Segment = models.Segment
type Feature = models.Feature

// Store is the persistence contract used by the workers and the API.
// Implementations must be safe for concurrent use.
type Store interface {
	// FindOrCreateSubject returns the id of the subject with s.ExternalID, creating it when absent
	FindOrCreateSubject(ctx context.Context, s *Subject) (int64, error)
	GetSubject(ctx context.Context, id int64) (*Subject, error)

	// FindOrCreateProcedure returns the id of the procedure identified by
	// (SubjectID, TargetName, Date), creating it when absent
	FindOrCreateProcedure(ctx context.Context, p *Procedure) (int64, error)
	GetProcedure(ctx context.Context, id int64) (*Procedure, error)
	SaveProcedureSettings(ctx context.Context, id int64, settings []byte) error

	// CreateChannels stores the channel set of a procedure. A procedure that
	// already has channels keeps them.
	CreateChannels(ctx context.Context, procedureID int64, channels []Channel) error
	ListChannels(ctx context.Context, procedureID int64) ([]Channel, error)

	// SaveSegment stores seg and returns its id. With overwrite, an existing
	// segment at the same DepthUM is replaced in the same transaction;
	// without it ErrDepthExists is returned.
	SaveSegment(ctx context.Context, seg *Segment, overwrite bool) (int64, error)
	GetSegment(ctx context.Context, id int64) (*Segment, error)
	// ListSegmentIDs returns ids greater than afterID in ascending order
	ListSegmentIDs(ctx context.Context, procedureID, afterID int64) ([]int64, error)
	// ListSegments returns segment metadata without sample data, ascending by id
	ListSegments(ctx context.Context, procedureID, afterID int64, limit int) ([]Segment, error)

	ListFeatures(ctx context.Context, segmentID int64) ([]Feature, error)
	// SaveFeatures inserts the rows of one (segment, kind). Rows that already
	// exist are left untouched. It returns the number of rows inserted.
	SaveFeatures(ctx context.Context, features []Feature) (int, error)

	Close() error
}
